package verifyingrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"verityrpc/chainverify"
	"verityrpc/headstore"
	"verityrpc/internal/apierr"
	"verityrpc/internal/log"
	"verityrpc/rpcclient"
)

type fakeEthService struct {
	byHash   map[common.Hash]*types.Header
	byNumber map[uint64]*types.Header
	txs      []*types.Transaction
}

func newFakeEthService() *fakeEthService {
	return &fakeEthService{
		byHash:   make(map[common.Hash]*types.Header),
		byNumber: make(map[uint64]*types.Header),
	}
}

func (s *fakeEthService) add(header *types.Header) {
	s.byHash[header.Hash()] = header
	s.byNumber[header.Number.Uint64()] = header
}

type blockResponse struct {
	types.Header
	TxList []*types.Transaction `json:"transactions"`
	Uncles []common.Hash        `json:"uncles"`
}

// MarshalJSON merges the body fields into the header's own JSON
// rendering. Without it, the embedded header's promoted
// MarshalJSON would render the whole response and drop the
// transactions and uncles fields.
func (b *blockResponse) MarshalJSON() ([]byte, error) {
	enc, err := b.Header.MarshalJSON()
	if err != nil {
		return nil, err
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(enc, &fields); err != nil {
		return nil, err
	}
	fields["hash"] = b.Header.Hash()
	fields["transactions"] = b.TxList
	fields["uncles"] = b.Uncles
	return json.Marshal(fields)
}

func (s *fakeEthService) toResponse(h *types.Header) *blockResponse {
	return &blockResponse{Header: *h, TxList: s.txs, Uncles: []common.Hash{}}
}

func (s *fakeEthService) GetBlockByHash(hash common.Hash, fullTx bool) (*blockResponse, error) {
	h, ok := s.byHash[hash]
	if !ok {
		return nil, fmt.Errorf("block %s not found", hash)
	}
	return s.toResponse(h), nil
}

func (s *fakeEthService) GetBlockByNumber(numberArg string, fullTx bool) (*blockResponse, error) {
	n, err := hexutil.DecodeUint64(numberArg)
	if err != nil {
		return nil, err
	}
	h, ok := s.byNumber[n]
	if !ok {
		return nil, fmt.Errorf("block %d not found", n)
	}
	return s.toResponse(h), nil
}

// buildChain returns n headers (genesis first) with an empty
// transactions trie and properly linked parent hashes.
func buildChain(n int) []*types.Header {
	headers := make([]*types.Header, n)
	var parent common.Hash
	for i := 0; i < n; i++ {
		h := &types.Header{
			Number:     big.NewInt(int64(i)),
			ParentHash: parent,
			Difficulty: big.NewInt(0),
			TxHash:     types.EmptyRootHash,
			Extra:      []byte(fmt.Sprintf("block-%d", i)),
		}
		headers[i] = h
		parent = h.Hash()
	}
	return headers
}

func newTestProvider(t *testing.T, svc *fakeEthService) (*Provider, *headstore.Store) {
	t.Helper()

	server := rpc.NewServer()
	if err := server.RegisterName("eth", svc); err != nil {
		t.Fatalf("failed to register eth service: %v", err)
	}
	httpServer := httptest.NewServer(server)
	t.Cleanup(func() {
		httpServer.Close()
		server.Stop()
	})

	logger := log.New(slog.NewTextHandler(io.Discard, nil))
	rc, err := rpcclient.NewClient(context.Background(), httpServer.URL, logger)
	if err != nil {
		t.Fatalf("failed to dial test server: %v", err)
	}
	t.Cleanup(rc.Close)

	heads := headstore.New(logger)
	chain := chainverify.New(rc, heads, logger)

	return &Provider{
		rpc:     rc,
		heads:   heads,
		chain:   chain,
		chainID: big.NewInt(1),
		log:     logger,
	}, heads
}

func asAPIError(t *testing.T, err error) (int, bool) {
	t.Helper()
	var invalid *apierr.InvalidParamsError
	if errors.As(err, &invalid) {
		return -32602, true
	}
	var internal *apierr.InternalError
	if errors.As(err, &internal) {
		return -32603, true
	}
	return 0, false
}

func TestProvider_Resolve(t *testing.T) {
	chain := buildChain(10)
	svc := newFakeEthService()
	for _, h := range chain {
		svc.add(h)
	}
	p, heads := newTestProvider(t, svc)
	heads.Update(chain[5].Hash(), 5)

	t.Run("nil tag defaults to latest", func(t *testing.T) {
		header, err := p.resolve(context.Background(), nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if header.Number.Uint64() != 5 {
			t.Errorf("expected block 5, got %d", header.Number.Uint64())
		}
	})

	t.Run("explicit latest tag resolves to the trusted head", func(t *testing.T) {
		header, err := p.resolve(context.Background(), &LatestTag)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if header.Hash() != chain[5].Hash() {
			t.Errorf("expected head %s, got %s", chain[5].Hash(), header.Hash())
		}
	})

	t.Run("hex number within the trusted window resolves to that block", func(t *testing.T) {
		tag := BlockTag{number: 2}
		header, err := p.resolve(context.Background(), &tag)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if header.Hash() != chain[2].Hash() {
			t.Errorf("expected block 2's hash %s, got %s", chain[2].Hash(), header.Hash())
		}
	})

	for _, name := range []string{"pending", "earliest", "finalized", "safe"} {
		name := name
		t.Run("rejects deferred tag "+name, func(t *testing.T) {
			tag := BlockTag{name: name}
			_, err := p.resolve(context.Background(), &tag)
			if err == nil {
				t.Fatalf("expected error for deferred tag %q", name)
			}
			if code, ok := asAPIError(t, err); !ok || code != -32602 {
				t.Errorf("expected InvalidParams (-32602), got %v", err)
			}
		})
	}

	t.Run("rejects a block beyond maxBlockFuture", func(t *testing.T) {
		tag := BlockTag{number: 5 + maxBlockFuture + 1}
		_, err := p.resolve(context.Background(), &tag)
		if err == nil {
			t.Fatalf("expected error for a block too far in the future")
		}
		if code, ok := asAPIError(t, err); !ok || code != -32602 {
			t.Errorf("expected InvalidParams (-32602), got %v", err)
		}
	})

	t.Run("rejects a block outside the trusted history window", func(t *testing.T) {
		bigChain := buildChain(int(maxBlockHistory) + 20)
		bigSvc := newFakeEthService()
		for _, h := range bigChain {
			bigSvc.add(h)
		}
		bp, bheads := newTestProvider(t, bigSvc)
		latest := uint64(len(bigChain) - 1)
		bheads.Update(bigChain[latest].Hash(), latest)

		tag := BlockTag{number: 1}
		_, err := bp.resolve(context.Background(), &tag)
		if err == nil {
			t.Fatalf("expected error for a block outside the trusted history window")
		}
		if code, ok := asAPIError(t, err); !ok || code != -32602 {
			t.Errorf("expected InvalidParams (-32602), got %v", err)
		}
	})

	t.Run("a block within the future window suspends until the head store advances", func(t *testing.T) {
		target := uint64(6)
		if target > 5+maxBlockFuture {
			t.Fatalf("test setup: target must be within maxBlockFuture of the trusted head")
		}

		resultCh := make(chan *types.Header, 1)
		errCh := make(chan error, 1)
		tag := BlockTag{number: target}
		go func() {
			header, err := p.resolve(context.Background(), &tag)
			if err != nil {
				errCh <- err
				return
			}
			resultCh <- header
		}()

		select {
		case <-resultCh:
			t.Fatalf("resolve returned before the head store advanced to block %d", target)
		case <-errCh:
			t.Fatalf("resolve errored before the head store advanced to block %d", target)
		case <-time.After(50 * time.Millisecond):
		}

		heads.Update(chain[target].Hash(), target)

		select {
		case header := <-resultCh:
			if header.Hash() != chain[target].Hash() {
				t.Errorf("expected block %d's hash %s, got %s", target, chain[target].Hash(), header.Hash())
			}
		case err := <-errCh:
			t.Fatalf("unexpected error: %v", err)
		case <-time.After(time.Second):
			t.Fatalf("resolve did not return after the head store advanced")
		}
	})
}
