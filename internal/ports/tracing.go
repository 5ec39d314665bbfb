package ports

import "context"

type Span interface {
	SetAttribute(key, value string)
	SetError(err error)
	AddEvent(name string, attributes map[string]string)
	End()
}

type Tracer interface {
	StartSpan(ctx context.Context, operationName string, attributes map[string]string) (context.Context, Span)
}
