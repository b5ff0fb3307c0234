package fetcher

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

type fakeCollection struct {
	holdings map[common.Address][]int64
	calls    int
	failAt   int
}

func (f *fakeCollection) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	f.calls++
	if f.failAt > 0 && f.calls == f.failAt {
		return nil, errors.New("rpc timeout")
	}
	method, err := erc721ABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	owned := f.holdings[args[0].(common.Address)]
	switch method.Name {
	case "balanceOf":
		return method.Outputs.Pack(big.NewInt(int64(len(owned))))
	case "tokenOfOwnerByIndex":
		idx := args[1].(*big.Int).Int64()
		return method.Outputs.Pack(big.NewInt(owned[idx]))
	}
	return nil, errors.New("unexpected method " + method.Name)
}

const testWallet = "0x00000000000000000000000000000000000000aa"

func newTestLedger(coll *fakeCollection, maxTokens int) *Ledger {
	dials := 0
	return NewLedger(LedgerOptions{
		RPCURL:            "http://rpc.invalid",
		CollectionAddress: "0x0000000000000000000000000000000000000bb1",
		MaxTokens:         maxTokens,
	}, func(ctx context.Context, rawURL string) (ethereum.ContractCaller, error) {
		dials++
		if dials > 1 {
			return nil, errors.New("client should be reused")
		}
		return coll, nil
	}, noopLogger())
}

func TestLedgerMissingConfig(t *testing.T) {
	l := NewLedger(LedgerOptions{}, nil, noopLogger())
	if _, err := l.ListMoments(context.Background(), testWallet); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("未配置 RPC 时应报错: %v", err)
	}

	l = NewLedger(LedgerOptions{RPCURL: "http://localhost"}, nil, noopLogger())
	if _, err := l.ListMoments(context.Background(), testWallet); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("缺少合约地址应报错: %v", err)
	}
}

func TestLedgerListMoments(t *testing.T) {
	coll := &fakeCollection{holdings: map[common.Address][]int64{
		common.HexToAddress(testWallet): {1001, 42, 7},
	}}
	l := newTestLedger(coll, 0)

	ids, err := l.ListMoments(context.Background(), testWallet)
	if err != nil {
		t.Fatalf("ListMoments: %v", err)
	}
	want := []string{"1001", "42", "7"}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}

	if _, err := l.ListMoments(context.Background(), testWallet); err != nil {
		t.Fatalf("second call should reuse the client: %v", err)
	}
}

func TestLedgerEmptyWalletIsNotAnError(t *testing.T) {
	l := newTestLedger(&fakeCollection{}, 0)
	ids, err := l.ListMoments(context.Background(), testWallet)
	if err != nil {
		t.Fatalf("empty wallet should succeed: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no moments, got %v", ids)
	}
}

func TestLedgerTruncatesAndPropagatesErrors(t *testing.T) {
	coll := &fakeCollection{holdings: map[common.Address][]int64{
		common.HexToAddress(testWallet): {1, 2, 3, 4},
	}}
	ids, err := newTestLedger(coll, 2).ListMoments(context.Background(), testWallet)
	if err != nil || len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %v (%v)", ids, err)
	}

	failing := &fakeCollection{holdings: coll.holdings, failAt: 2}
	if _, err := newTestLedger(failing, 0).ListMoments(context.Background(), testWallet); err == nil {
		t.Fatal("rpc failure must surface as an error")
	}
}

func TestLedgerRejectsBadWallet(t *testing.T) {
	if _, err := newTestLedger(&fakeCollection{}, 0).ListMoments(context.Background(), "not-a-wallet"); err == nil {
		t.Fatal("invalid address should fail")
	}
}

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}
