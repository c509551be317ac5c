package ninja_go

type LoadStatus int8

const (
	LOAD_ERROR LoadStatus = iota
	LOAD_SUCCESS
	LOAD_NOT_FOUND
)
