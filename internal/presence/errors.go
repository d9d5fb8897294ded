package presence

import (
	"errors"
	"fmt"
)

// 引擎对外暴露的错误，handler 根据类型映射 HTTP 状态码。
var (
	ErrInvalidInterval  = errors.New("invalid heartbeat interval")
	ErrInvalidRoom      = errors.New("invalid room id")
	ErrInvalidSession   = errors.New("invalid session id")
	ErrInvalidName      = errors.New("invalid display name")
	ErrInvalidRoomToken = errors.New("invalid room token")
	ErrStoreUnavailable = errors.New("presence store unavailable")
)

func storeErr(op string, err error) error {
	return fmt.Errorf("presence %s: %w", op, errors.Join(ErrStoreUnavailable, err))
}
