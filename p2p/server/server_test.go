package server

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/spacemeshos/go-scale/tester"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-merklesync/codec"
	"github.com/spacemeshos/go-merklesync/log"
)

func TestServer(t *testing.T) {
	const limit = 1024

	mesh, err := mocknet.FullMeshConnected(4)
	require.NoError(t, err)
	proto := "test"
	request := []byte("test request")
	testErr := errors.New("test error")

	handler := func(ctx context.Context, msg []byte) ([]byte, error) {
		peerID, found := ContextPeerID(ctx)
		if !found {
			return nil, errors.New("no peer ID")
		}
		if _, found := log.ExtractSessionID(ctx); !found {
			return nil, errors.New("no session ID")
		}
		return append(msg, []byte(peerID)...), nil
	}
	errhandler := func(_ context.Context, _ []byte) ([]byte, error) {
		return nil, testErr
	}
	opts := []Opt{
		WithTimeout(100 * time.Millisecond),
		WithLogger(zaptest.NewLogger(t)),
		WithMetrics(),
	}
	client := New(
		mesh.Hosts()[0],
		proto,
		WrapHandler(handler),
		append(opts, WithRequestSizeLimit(2*limit))...,
	)
	srv1 := New(
		mesh.Hosts()[1],
		proto,
		WrapHandler(handler),
		append(opts, WithRequestSizeLimit(limit))...,
	)
	srv2 := New(
		mesh.Hosts()[2],
		proto,
		WrapHandler(errhandler),
		append(opts, WithRequestSizeLimit(limit))...,
	)
	ctx, cancel := context.WithCancel(context.Background())
	noPeerID, found := ContextPeerID(ctx)
	require.Empty(t, noPeerID)
	require.False(t, found)
	var eg errgroup.Group
	eg.Go(func() error {
		return srv1.Run(ctx)
	})
	eg.Go(func() error {
		return srv2.Run(ctx)
	})
	require.Eventually(t, func() bool {
		for _, h := range mesh.Hosts()[1:3] {
			if len(h.Mux().Protocols()) == 0 {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)
	t.Cleanup(func() {
		cancel()
		eg.Wait()
	})

	t.Run("ReceiveMessage", func(t *testing.T) {
		n := srv1.NumAcceptedRequests()
		response, err := client.Request(ctx, mesh.Hosts()[1].ID(), request)
		require.NoError(t, err)
		expResponse := append(bytes.Clone(request), []byte(mesh.Hosts()[0].ID())...)
		require.Equal(t, expResponse, response)
		srvConns := mesh.Hosts()[1].Network().ConnsToPeer(mesh.Hosts()[0].ID())
		require.NotEmpty(t, srvConns)
		require.Equal(t, n+1, srv1.NumAcceptedRequests())
	})
	t.Run("ReceiveError", func(t *testing.T) {
		n := srv1.NumAcceptedRequests()
		_, err := client.Request(ctx, mesh.Hosts()[2].ID(), request)
		var srvErr *ServerError
		require.ErrorAs(t, err, &srvErr)
		require.ErrorContains(t, err, "peer error")
		require.ErrorContains(t, err, testErr.Error())
		require.Equal(t, n+1, srv1.NumAcceptedRequests())
	})
	t.Run("NoServer", func(t *testing.T) {
		_, err := client.Request(ctx, mesh.Hosts()[3].ID(), request)
		require.Error(t, err)
	})
	t.Run("NotConnected", func(t *testing.T) {
		_, err := client.Request(ctx, "unknown", request)
		require.ErrorIs(t, err, ErrNotConnected)
	})
	t.Run("ClientLimit", func(t *testing.T) {
		_, err := client.Request(ctx, mesh.Hosts()[1].ID(), make([]byte, 2*limit+1))
		require.ErrorContains(t, err, "longer than limit")
	})
	t.Run("limit overflow", func(t *testing.T) {
		_, err := client.Request(
			ctx,
			mesh.Hosts()[2].ID(),
			make([]byte, limit+1),
		)
		require.Error(t, err)
	})
}

func Test_Queued(t *testing.T) {
	mesh, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)

	var (
		queueSize = 10
		proto     = "test"
		stop      = make(chan struct{})
		started   = make(chan struct{}, 10*queueSize)
	)

	client := New(mesh.Hosts()[0], proto, nil)
	srv := New(
		mesh.Hosts()[1],
		proto,
		WrapHandler(func(_ context.Context, msg []byte) ([]byte, error) {
			started <- struct{}{}
			<-stop
			return msg, nil
		}),
		WithQueueSize(queueSize),
	)
	var (
		eg          errgroup.Group
		ctx, cancel = context.WithCancel(context.Background())
	)
	defer cancel()
	eg.Go(func() error {
		return srv.Run(ctx)
	})
	t.Cleanup(func() {
		assert.NoError(t, eg.Wait())
	})
	require.Eventually(t, func() bool {
		return len(mesh.Hosts()[1].Mux().Protocols()) != 0
	}, time.Second, 10*time.Millisecond)
	var reqEq errgroup.Group
	for range queueSize { // occupy every handler slot
		reqEq.Go(func() error {
			resp, err := client.Request(ctx, mesh.Hosts()[1].ID(), []byte("ping"))
			if err != nil {
				return err
			}
			if !bytes.Equal(resp, []byte("ping")) {
				return errors.New("bad response")
			}
			return nil
		})
	}
	for range queueSize {
		<-started
	}

	for range queueSize { // handlers are busy, requests fail
		reqCtx, reqCancel := context.WithTimeout(ctx, 100*time.Millisecond)
		_, err := client.Request(reqCtx, mesh.Hosts()[1].ID(), []byte("ping"))
		reqCancel()
		require.Error(t, err)
	}

	close(stop)
	require.NoError(t, reqEq.Wait())
}

func Test_RequestInterval(t *testing.T) {
	mesh, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)

	var (
		maxReq     = 10
		maxReqTime = time.Minute
		proto      = "test"
	)

	client := New(mesh.Hosts()[0], proto, nil)
	srv := New(
		mesh.Hosts()[1],
		proto,
		WrapHandler(func(_ context.Context, msg []byte) ([]byte, error) {
			return msg, nil
		}),
		WithRequestsPerInterval(maxReq, maxReqTime),
	)
	var (
		eg          errgroup.Group
		ctx, cancel = context.WithCancel(context.Background())
	)
	defer cancel()
	eg.Go(func() error {
		return srv.Run(ctx)
	})
	t.Cleanup(func() {
		assert.NoError(t, eg.Wait())
	})
	require.Eventually(t, func() bool {
		return len(mesh.Hosts()[1].Mux().Protocols()) != 0
	}, time.Second, 10*time.Millisecond)

	start := time.Now()
	for range maxReq { // fill the interval with requests (bursts up to maxReq are allowed)
		resp, err := client.Request(ctx, mesh.Hosts()[1].ID(), []byte("ping"))
		require.NoError(t, err)
		require.Equal(t, []byte("ping"), resp)
	}

	// new request will be delayed by the interval
	resp, err := client.Request(context.Background(), mesh.Hosts()[1].ID(), []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), resp)

	interval := maxReqTime / time.Duration(maxReq)
	require.GreaterOrEqual(t, time.Since(start), interval)
}

func TestWrapHandlerLongError(t *testing.T) {
	h := WrapHandler(func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New(strings.Repeat("x", 2*maxResponseError))
	})
	var buf bytes.Buffer
	require.NoError(t, h(context.Background(), nil, &buf))
	var resp Response
	require.NoError(t, codec.Decode(buf.Bytes(), &resp))
	require.Len(t, resp.Error, maxResponseError)
	require.Empty(t, resp.Data)
}

func FuzzResponseConsistency(f *testing.F) {
	tester.FuzzConsistency[Response](f)
}

func FuzzResponseSafety(f *testing.F) {
	tester.FuzzSafety[Response](f)
}
