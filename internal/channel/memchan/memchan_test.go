package memchan

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/rmbridge/internal/channel"
	"github.com/danmuck/rmbridge/internal/testutil/testlog"
)

func TestLinkDeliversFramesInOrder(t *testing.T) {
	testlog.Start(t)
	a, b := NewLink(64, 8)
	ctx := context.Background()
	ea, _ := a.Register(ctx, "mmrm")
	eb, _ := b.Register(ctx, "mmrm")
	for i := byte(0); i < 3; i++ {
		if err := ea.Send(ctx, []byte{i}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := byte(0); i < 3; i++ {
		got, err := eb.Recv(ctx)
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if !bytes.Equal(got, []byte{i}) {
			t.Fatalf("recv %d got=%v", i, got)
		}
	}
}

func TestSendRejectsOversize(t *testing.T) {
	testlog.Start(t)
	a, _ := NewLink(4, 1)
	ea, _ := a.Register(context.Background(), "mmrm")
	if err := ea.Send(context.Background(), make([]byte, 5)); !errors.Is(err, channel.ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestCloseUnblocksRecvAndRejectsSend(t *testing.T) {
	testlog.Start(t)
	a, _ := NewLink(16, 1)
	ea, _ := a.Register(context.Background(), "mmrm")
	errCh := make(chan error, 1)
	go func() {
		_, err := ea.Recv(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	_ = ea.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, channel.ErrNotRegistered) {
			t.Fatalf("expected ErrNotRegistered, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("recv did not unblock")
	}
	if err := ea.Send(context.Background(), []byte{1}); !errors.Is(err, channel.ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
	if a.Registered() {
		t.Fatalf("side should report unregistered")
	}
}

func TestSendFilter(t *testing.T) {
	testlog.Start(t)
	a, b := NewLink(16, 4)
	ea, _ := a.Register(context.Background(), "mmrm")
	boom := errors.New("boom")
	a.SetSendFilter(func([]byte) error { return boom })
	if err := ea.Send(context.Background(), []byte{1}); !errors.Is(err, boom) {
		t.Fatalf("expected filter error, got %v", err)
	}
	a.SetSendFilter(nil)
	if err := ea.Send(context.Background(), []byte{2}); err != nil {
		t.Fatalf("send: %v", err)
	}
	eb, _ := b.Register(context.Background(), "mmrm")
	got, err := eb.Recv(context.Background())
	if err != nil || !bytes.Equal(got, []byte{2}) {
		t.Fatalf("recv got=%v err=%v", got, err)
	}
}
