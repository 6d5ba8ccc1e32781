package httpserver

const (
	ErrBadForm          = "bad form"
	ErrInvalidSignature = "invalid signature"
	ErrDependency       = "dependency error"
)
