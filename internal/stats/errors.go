package stats

import "errors"

var (
	ErrInvalidWriteMode    = errors.New("write mode must be overwrite or append")
	ErrInvalidWindowLength = errors.New("window length must be positive")
	ErrInvalidParallelism  = errors.New("parallelism must be positive")
)
