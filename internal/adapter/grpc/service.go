package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the payment ops service
const ServiceName = "payrecon.v1.PaymentService"

// PaymentServiceServer is the server API for the payment ops service.
// Requests and responses are protobuf Structs.
type PaymentServiceServer interface {
	CreatePayment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetPayment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CancelPayment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CheckPayment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetSummary(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(srv PaymentServiceServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func handler(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(PaymentServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(PaymentServiceServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// PaymentServiceDesc describes the payment ops service for grpc.Server.RegisterService
var PaymentServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PaymentServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		handler("CreatePayment", PaymentServiceServer.CreatePayment),
		handler("GetPayment", PaymentServiceServer.GetPayment),
		handler("CancelPayment", PaymentServiceServer.CancelPayment),
		handler("CheckPayment", PaymentServiceServer.CheckPayment),
		handler("GetSummary", PaymentServiceServer.GetSummary),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "payrecon/v1/payment.proto",
}

// RegisterPaymentServiceServer registers srv on s
func RegisterPaymentServiceServer(s grpc.ServiceRegistrar, srv PaymentServiceServer) {
	s.RegisterService(&PaymentServiceDesc, srv)
}

// Client calls the payment ops service over a client connection
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a new Client on cc
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreatePayment(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "CreatePayment", req, opts...)
}

func (c *Client) GetPayment(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetPayment", req, opts...)
}

func (c *Client) CancelPayment(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "CancelPayment", req, opts...)
}

func (c *Client) CheckPayment(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "CheckPayment", req, opts...)
}

func (c *Client) GetSummary(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetSummary", req, opts...)
}
