package authority

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/lexitnft/voucher-service/internal/voucher"
)

// Fully-qualified method names of the vouchers.signer.v1.Signer service.
const (
	signerServiceName    = "vouchers.signer.v1.Signer"
	signerAddressMethod  = "/" + signerServiceName + "/Address"
	signerSignHashMethod = "/" + signerServiceName + "/SignHash"
)

// SignerServer is the server side of the remote key holder.
type SignerServer interface {
	Address(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	SignHash(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var signerServiceDesc = grpc.ServiceDesc{
	ServiceName: signerServiceName,
	HandlerType: (*SignerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Address", Handler: addressHandler},
		{MethodName: "SignHash", Handler: signHashHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vouchers/signer/v1/signer.proto",
}

// RegisterSignerServer registers srv on s.
func RegisterSignerServer(s grpc.ServiceRegistrar, srv SignerServer) {
	s.RegisterService(&signerServiceDesc, srv)
}

func addressHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SignerServer).Address(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: signerAddressMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SignerServer).Address(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func signHashHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SignerServer).SignHash(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: signerSignHashMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SignerServer).SignHash(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Server exposes an Authority over gRPC.
type Server struct {
	authority voucher.Authority
	log       *zap.Logger
}

func NewServer(a voucher.Authority, log *zap.Logger) *Server {
	return &Server{authority: a, log: log}
}

func (s *Server) Address(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return wrapperspb.String(s.authority.Address().Hex()), nil
}

func (s *Server) SignHash(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	hash := req.GetValue()
	if len(hash) != common.HashLength {
		return nil, status.Errorf(codes.InvalidArgument, "hash must be 32 bytes, got %d", len(hash))
	}
	sig, err := s.authority.SignHash(ctx, hash)
	if err != nil {
		s.log.Error("sign hash failed", zap.Error(err))
		return nil, status.Error(codes.Internal, "signing failed")
	}
	s.log.Info("hash signed",
		zap.String("hash", common.BytesToHash(hash).Hex()),
		zap.String("signer", s.authority.Address().Hex()),
	)
	return wrapperspb.Bytes(sig), nil
}
