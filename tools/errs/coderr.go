package errs

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// 顶层分类码，与对外的错误分类一一对应
const (
	ServerInternalError = 500
	ArgsError           = 1001

	UnauthorizedCode   = 1401
	AccessDeniedCode   = 1403
	NotFoundCode       = 1404
	ConflictCode       = 1409
	InvalidStateCode   = 1422
	UnsupportedCode    = 1501
	InfrastructureCode = 1503
)

// 细分码（父子关系见 init）
const (
	NotMemberCode                = 14031
	MutedCode                    = 14032
	NotOwnerCode                 = 14033
	MessageNotFoundCode          = 14041
	ConversationNotFoundCode     = 14042
	ReactionNotFoundCode         = 14043
	AlreadyRegisteredCode        = 14221
	MessageNotInConversationCode = 14222
	MessageDeletedCode           = 14223
)

var DefaultCodeRelation = newCodeRelation()

var (
	ErrArgs           = NewCodeError(ArgsError, "ArgsError")
	ErrInternal       = NewCodeError(ServerInternalError, "ServerInternalError")
	ErrUnauthorized   = NewCodeError(UnauthorizedCode, "Unauthorized")
	ErrAccessDenied   = NewCodeError(AccessDeniedCode, "AccessDenied")
	ErrNotFound       = NewCodeError(NotFoundCode, "NotFound")
	ErrConflict       = NewCodeError(ConflictCode, "Conflict")
	ErrInvalidState   = NewCodeError(InvalidStateCode, "InvalidState")
	ErrUnsupported    = NewCodeError(UnsupportedCode, "Unsupported")
	ErrInfrastructure = NewCodeError(InfrastructureCode, "Infrastructure")

	ErrNotMember                = NewCodeError(NotMemberCode, "NotMember")
	ErrMuted                    = NewCodeError(MutedCode, "Muted")
	ErrNotOwner                 = NewCodeError(NotOwnerCode, "NotOwner")
	ErrMessageNotFound          = NewCodeError(MessageNotFoundCode, "MessageNotFound")
	ErrConversationNotFound     = NewCodeError(ConversationNotFoundCode, "ConversationNotFound")
	ErrReactionNotFound         = NewCodeError(ReactionNotFoundCode, "ReactionNotFound")
	ErrAlreadyRegistered        = NewCodeError(AlreadyRegisteredCode, "AlreadyRegistered")
	ErrMessageNotInConversation = NewCodeError(MessageNotInConversationCode, "MessageNotInConversation")
	ErrMessageDeleted           = NewCodeError(MessageDeletedCode, "MessageDeleted")
)

func init() {
	rel := DefaultCodeRelation
	_ = rel.Add(AccessDeniedCode, NotMemberCode)
	_ = rel.Add(AccessDeniedCode, MutedCode)
	_ = rel.Add(AccessDeniedCode, NotOwnerCode)
	_ = rel.Add(NotFoundCode, MessageNotFoundCode)
	_ = rel.Add(NotFoundCode, ConversationNotFoundCode)
	_ = rel.Add(NotFoundCode, ReactionNotFoundCode)
	_ = rel.Add(InvalidStateCode, AlreadyRegisteredCode)
	_ = rel.Add(InvalidStateCode, MessageNotInConversationCode)
	_ = rel.Add(InvalidStateCode, MessageDeletedCode)
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`

	cause error
}

func (e *CodeError) clone() *CodeError {
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: e.Detail, cause: e.cause}
}

func (e *CodeError) WithDetail(detail string) *CodeError {
	ret := e.clone()
	if ret.Detail == "" {
		ret.Detail = detail
	} else {
		ret.Detail += ", " + detail
	}
	return ret
}

// Wrap 附带调用栈
func (e *CodeError) Wrap() error {
	return errors.WithStack(e.clone())
}

// WrapMsg detail 形如 "msg, k1=v1, k2=v2"
func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	ret := e.clone()
	if msg != "" || len(kv) > 0 {
		ret = ret.WithDetail(toString(msg, kv))
	}
	return errors.WithStack(ret)
}

// WithCause 保留底层错误，errors.Is(err, redis.Nil) 之类仍可命中
func (e *CodeError) WithCause(cause error) *CodeError {
	ret := e.clone()
	ret.cause = cause
	return ret
}

func (e *CodeError) Unwrap() error { return e.cause }

// Is 按码的父子关系判定：errors.Is(ErrReactionNotFound, ErrNotFound) == true
func (e *CodeError) Is(target error) bool {
	t, ok := target.(*CodeError)
	if !ok || t == nil || e == nil {
		return false
	}
	return DefaultCodeRelation.Is(t.Code, e.Code)
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	if e.cause != nil {
		v = append(v, "cause: "+e.cause.Error())
	}
	return strings.Join(v, " ")
}

// Infra 基础设施错误（Redis / Mongo / PG 不可用）
func Infra(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(ErrInfrastructure.WithDetail(op).WithCause(err))
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, toString(msg, kv))
}

// AsCodeError 取链上第一个 CodeError
func AsCodeError(err error) (*CodeError, bool) {
	var ce *CodeError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// CodeOf 非 CodeError 一律视为内部错误
func CodeOf(err error) int {
	if err == nil {
		return 0
	}
	if ce, ok := AsCodeError(err); ok {
		return ce.Code
	}
	return ServerInternalError
}

var categories = []int{
	NotFoundCode, AccessDeniedCode, ConflictCode, InvalidStateCode,
	UnsupportedCode, InfrastructureCode, UnauthorizedCode, ArgsError,
}

// Category 归并到顶层分类码
func Category(err error) int {
	code := CodeOf(err)
	for _, c := range categories {
		if DefaultCodeRelation.Is(c, code) {
			return c
		}
	}
	return code
}

func HTTPStatus(err error) int {
	switch Category(err) {
	case 0:
		return http.StatusOK
	case ArgsError:
		return http.StatusBadRequest
	case UnauthorizedCode:
		return http.StatusUnauthorized
	case AccessDeniedCode:
		return http.StatusForbidden
	case NotFoundCode:
		return http.StatusNotFound
	case ConflictCode:
		return http.StatusConflict
	case InvalidStateCode:
		return http.StatusUnprocessableEntity
	case UnsupportedCode:
		return http.StatusNotImplemented
	case InfrastructureCode:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Public 对外输出用：非 CodeError 不泄露内部信息
func Public(err error) *CodeError {
	if ce, ok := AsCodeError(err); ok {
		return &CodeError{Code: ce.Code, Msg: ce.Msg, Detail: ce.Detail}
	}
	return &CodeError{Code: ErrInternal.Code, Msg: ErrInternal.Msg}
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if sb.Len() > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprint(kv[i]))
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprint(kv[i+1]))
		} else {
			sb.WriteString("MISSING")
		}
	}
	return sb.String()
}

type CodeRelation interface {
	Add(codes ...int) error
	Is(parent, child int) bool
}

func newCodeRelation() CodeRelation {
	return &codeRelation{m: make(map[int]map[int]struct{})}
}

type codeRelation struct {
	m map[int]map[int]struct{}
}

func (r *codeRelation) Add(codes ...int) error {
	if len(codes) < 2 {
		return ErrArgs.WrapMsg("codes length must be at least 2", "codes", codes)
	}
	for i := 1; i < len(codes); i++ {
		parent := codes[i-1]
		s, ok := r.m[parent]
		if !ok {
			s = make(map[int]struct{})
			r.m[parent] = s
		}
		for _, code := range codes[i:] {
			s[code] = struct{}{}
		}
	}
	return nil
}

func (r *codeRelation) Is(parent, child int) bool {
	if parent == child {
		return true
	}
	s, ok := r.m[parent]
	if !ok {
		return false
	}
	_, ok = s[child]
	return ok
}
