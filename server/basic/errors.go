package basic

import "errors"

// 存储层错误分类
var (
	ErrOutOfRange            = errors.New("page index out of range")
	ErrRowTooLarge           = errors.New("row too large for a page")
	ErrDuplicateTable        = errors.New("duplicate table")
	ErrUnknownTable          = errors.New("unknown table")
	ErrSchemaMismatch        = errors.New("schema mismatch")
	ErrTransactionInProgress = errors.New("transaction in progress")
	ErrCorruptPage           = errors.New("corrupt page")
	ErrIOFailure             = errors.New("io failure")
)

// 事务和生命周期相关错误
var (
	ErrNoActiveTransaction     = errors.New("no active transaction")
	ErrInvalidTransactionState = errors.New("invalid transaction state")
	ErrRecoveryRequired        = errors.New("recovery required before use")
	ErrClosed                  = errors.New("storage closed")
)

// StorageError 带操作名和错误分类的存储错误
type StorageError struct {
	Op   string // 操作名称
	Kind error  // 错误分类，上面的哨兵错误之一
	Err  error  // 原始错误，可以为nil
}

func (e *StorageError) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is 使 errors.Is(err, ErrIOFailure) 之类的判断对分类生效
func (e *StorageError) Is(target error) bool {
	return target == e.Kind
}

// NewError 创建存储错误
func NewError(op string, kind error, err error) error {
	return &StorageError{Op: op, Kind: kind, Err: err}
}

// NewIOError 包装底层文件操作错误
func NewIOError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Kind: ErrIOFailure, Err: err}
}

// IsOutOfRange 检查是否为页号越界
func IsOutOfRange(err error) bool {
	return errors.Is(err, ErrOutOfRange)
}

// IsCorruptPage 检查是否为页面损坏
func IsCorruptPage(err error) bool {
	return errors.Is(err, ErrCorruptPage)
}

// IsIOFailure 检查是否为IO错误
func IsIOFailure(err error) bool {
	return errors.Is(err, ErrIOFailure)
}

// IsFatal 事务内遇到这类错误需要自动回滚
func IsFatal(err error) bool {
	return IsCorruptPage(err) || IsIOFailure(err)
}
