package nacos

import (
	"fmt"
	"sync"

	"PPRealtime/logger"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

// Naming naming_client.INamingClient 中用到的部分
type Naming interface {
	RegisterInstance(param vo.RegisterInstanceParam) (bool, error)
	DeregisterInstance(param vo.DeregisterInstanceParam) (bool, error)
}

// Registry 把本节点登记为临时实例，网关/负载均衡据此发现 WS 节点
type Registry struct {
	ServiceName string
	IP          string
	Port        uint64
	Group       string
	Metadata    map[string]string

	mu         sync.Mutex
	registered bool
	client     Naming
	log        *zap.Logger
}

func NewRegistry(client Naming, serviceName, ip string, port uint64, nodeID string) *Registry {
	return &Registry{
		ServiceName: serviceName,
		IP:          ip,
		Port:        port,
		Group:       "DEFAULT_GROUP",
		Metadata:    map[string]string{"protocol": "ws", "node_id": nodeID},
		client:      client,
		log:         logger.Named("nacos"),
	}
}

func (r *Registry) Register() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ok, err := r.client.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		ClusterName: "DEFAULT",
		Weight:      1,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata:    r.Metadata,
	})
	if err != nil {
		return fmt.Errorf("register failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("register failed: returned false")
	}
	r.registered = true
	r.log.Info("instance registered", zap.String("service", r.ServiceName),
		zap.String("addr", fmt.Sprintf("%s:%d", r.IP, r.Port)))
	return nil
}

// Deregister 未注册时为空操作
func (r *Registry) Deregister() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.registered {
		return
	}
	ok, err := r.client.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		Cluster:     "DEFAULT",
		Ephemeral:   true,
	})
	if err != nil || !ok {
		r.log.Warn("deregister instance", zap.Bool("ok", ok), zap.Error(err))
	}
	r.registered = false
}
