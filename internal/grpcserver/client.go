package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client opens conversation streams against a socket adapter.
type Client struct {
	conn *grpc.ClientConn
}

func NewClient(target string, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

type Stream struct {
	cs grpc.ClientStream
}

func (c *Client) Open(ctx context.Context) (*Stream, error) {
	cs, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], streamMethod)
	if err != nil {
		return nil, err
	}
	return &Stream{cs: cs}, nil
}

func (s *Stream) Send(f Frame) error {
	return s.cs.SendMsg(f.Struct())
}

func (s *Stream) Recv() (Frame, error) {
	out := &structpb.Struct{}
	if err := s.cs.RecvMsg(out); err != nil {
		return Frame{}, err
	}
	return FrameFromStruct(out), nil
}

// CloseSend tells the server no more frames follow; open sessions on the stream end.
func (s *Stream) CloseSend() error {
	return s.cs.CloseSend()
}
