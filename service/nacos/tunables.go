package nacos

import (
	"context"
	"strings"

	"PPRealtime/global/config"
	"PPRealtime/logger"
	"PPRealtime/tools/decode"
	"PPRealtime/tools/errs"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

// ConfigSource config_client.IConfigClient 中用到的部分
type ConfigSource interface {
	GetConfig(param vo.ConfigParam) (string, error)
	ListenConfig(param vo.ConfigParam) error
	CancelListenConfig(param vo.ConfigParam) error
}

// ApplyTunables 解析 JSON（时长可写 "10s"），非零字段覆盖；非法内容保留旧值
func ApplyTunables(data string) error {
	if strings.TrimSpace(data) == "" {
		return nil
	}
	t, err := decode.DecodeJSON[config.Tunables]([]byte(data))
	if err != nil {
		return errs.ErrArgs.WrapMsg("bad tunables", "err", err.Error())
	}
	if err := config.Apply(*t); err != nil {
		return errs.ErrArgs.WrapMsg("rejected tunables", "err", err.Error())
	}
	return nil
}

// WatchTunables 先拉一次再监听变更，ctx 结束时取消监听
func WatchTunables(ctx context.Context, src ConfigSource, dataID, group string) error {
	log := logger.Named("nacos").With(zap.String("data_id", dataID), zap.String("group", group))

	content, err := src.GetConfig(vo.ConfigParam{DataId: dataID, Group: group})
	if err != nil {
		return errs.Infra(err, "nacos get config")
	}
	if err := ApplyTunables(content); err != nil {
		log.Warn("initial tunables ignored", zap.Error(err))
	}

	param := vo.ConfigParam{
		DataId: dataID,
		Group:  group,
		OnChange: func(_, _, _, data string) {
			if err := ApplyTunables(data); err != nil {
				log.Warn("tunables change ignored", zap.Error(err))
				return
			}
			log.Info("tunables reloaded", zap.Any("tunables", config.Current()))
		},
	}
	if err := src.ListenConfig(param); err != nil {
		return errs.Infra(err, "nacos listen config")
	}
	log.Info("watching tunables")

	<-ctx.Done()
	if err := src.CancelListenConfig(param); err != nil {
		log.Warn("cancel listen", zap.Error(err))
	}
	return nil
}
