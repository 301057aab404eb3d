package authority

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Remote signs through a key holder serving vouchers.signer.v1.Signer.
type Remote struct {
	conn *grpc.ClientConn
	addr common.Address
}

// Dial connects to the key holder at target and fetches its address.
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*Remote, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("authority: grpc dial %s: %w", target, err)
	}
	r, err := NewRemote(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return r, nil
}

// NewRemote wraps an existing connection. Close on the returned Remote closes conn.
func NewRemote(ctx context.Context, conn *grpc.ClientConn) (*Remote, error) {
	resp := new(wrapperspb.StringValue)
	if err := conn.Invoke(ctx, signerAddressMethod, &emptypb.Empty{}, resp); err != nil {
		return nil, fmt.Errorf("authority: Address: %w", err)
	}
	if !common.IsHexAddress(resp.GetValue()) {
		return nil, fmt.Errorf("authority: key holder returned invalid address %q", resp.GetValue())
	}
	return &Remote{conn: conn, addr: common.HexToAddress(resp.GetValue())}, nil
}

func (r *Remote) Address() common.Address { return r.addr }

func (r *Remote) SignHash(ctx context.Context, hash []byte) ([]byte, error) {
	resp := new(wrapperspb.BytesValue)
	if err := r.conn.Invoke(ctx, signerSignHashMethod, wrapperspb.Bytes(hash), resp); err != nil {
		return nil, fmt.Errorf("authority: SignHash: %w", err)
	}
	if len(resp.GetValue()) != 65 {
		return nil, fmt.Errorf("authority: key holder returned %d-byte signature", len(resp.GetValue()))
	}
	return resp.GetValue(), nil
}

func (r *Remote) Close() error { return r.conn.Close() }
