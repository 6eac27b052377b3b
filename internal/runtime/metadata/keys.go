package metadata

import "context"

// Keys written by the proxy transport on every frame.
const (
	// KeyTag carries the correlation or subscription id a frame belongs to.
	KeyTag = "ipcproxy_tag"
	// KeyCodec names the wire codec used for the payload.
	KeyCodec = "ipcproxy_codec"
	// KeyChannel, KeyProperty and KeyKind describe a request while the
	// dispatcher middleware chain runs.
	KeyChannel  = "ipcproxy_channel"
	KeyProperty = "ipcproxy_property"
	KeyKind     = "ipcproxy_kind"
	// KeyCorrelationID is shared with Watermill's own middleware.
	KeyCorrelationID = "correlation_id"
)

type contextKey struct{}

// ContextWithMetadata attaches md to ctx so that frames sent with the
// returned context carry it. Entries already present in ctx are kept unless
// md overrides them.
func ContextWithMetadata(ctx context.Context, md Metadata) context.Context {
	if len(md) == 0 {
		return ctx
	}
	merged := FromContext(ctx).WithAll(md)
	return context.WithValue(ctx, contextKey{}, merged)
}

// FromContext returns a copy of the metadata stored in ctx.
func FromContext(ctx context.Context) Metadata {
	if ctx == nil {
		return Metadata{}
	}
	md, _ := ctx.Value(contextKey{}).(Metadata)
	return md.Clone()
}
