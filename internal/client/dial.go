package client

import (
	pb "github.com/canonical/maas-sub025/pkg/proto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultDialOptions are applied to every controller connection. Extra
// options (a bufconn dialer in tests) are appended.
func DefaultDialOptions(extra ...grpc.DialOption) []grpc.DialOption {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(pb.CodecName)),
	}
	return append(opts, extra...)
}

// Gauge receives connection counts
type Gauge interface {
	Set(float64)
}
