package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"net/http/httptest"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"AISwap-Executor/internal/api"
	"AISwap-Executor/internal/auth"
	"AISwap-Executor/internal/sim"
	"AISwap-Executor/internal/vault"
	"AISwap-Executor/internal/web3"
	"AISwap-Executor/sdk/go/swapvault"
)

const demoTokens = `
tokens:
  WETH: {address: "0x4200000000000000000000000000000000000006", decimals: 18}
  USDC: {address: "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", decimals: 6, stable: true}
`

func main() {
	adminKey := mustKey()
	agentKey := mustKey()
	userKey := mustKey()
	user := crypto.PubkeyToAddress(userKey.PublicKey)

	tokens, err := web3.ParseTokens([]byte(demoTokens))
	if err != nil {
		panic(err)
	}
	wallet := sim.NewCustody(common.HexToAddress("0xf1"))
	market := sim.NewMarket(common.HexToAddress("0xe2"), wallet)
	if err := market.Apply(sim.MarketConfig{
		Pools:     []sim.PoolConfig{{TokenIn: "WETH", TokenOut: "USDC", Fee: 3000, Price: "2090"}},
		Liquidity: map[string]string{"USDC": "1000000"},
		Wallets:   map[string]map[string]string{user.Hex(): {"WETH": "2"}},
	}, tokens); err != nil {
		panic(err)
	}
	v, err := vault.New(crypto.PubkeyToAddress(adminKey.PublicKey), vault.NewMemoryStore(), wallet, market)
	if err != nil {
		panic(err)
	}
	authService, err := auth.NewService(auth.Config{Mode: auth.ModeSignature})
	if err != nil {
		panic(err)
	}
	srv := httptest.NewServer(api.NewServer(":0", v, api.WithAuth(authService), api.WithTokens(tokens)).Handler())
	defer srv.Close()

	admin := newClient(srv, adminKey)
	agent := newClient(srv, agentKey)
	owner := newClient(srv, userKey)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	must(owner.Register(ctx))
	must(admin.SetAgent(ctx, agent.Address(), true))
	oneWETH := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	balance, err := owner.Deposit(ctx, "WETH", oneWETH)
	must(err)
	fmt.Printf("deposited, WETH balance %s\n", balance.Balance)

	order, err := owner.SetThreshold(ctx, swapvault.ThresholdInput{
		TokenIn: "WETH", TokenOut: "USDC", Fee: 3000, ThresholdPrice: big.NewInt(2000), IsAbove: true,
	})
	must(err)
	fmt.Printf("threshold order %s is %s\n", order.ID.Hex(), order.State)

	trade, err := agent.Swap(ctx, swapvault.SwapInput{
		User:             user,
		TokenIn:          "WETH",
		TokenOut:         "USDC",
		Fee:              3000,
		AmountIn:         oneWETH,
		AmountOutMinimum: big.NewInt(2000_000000),
		Deadline:         time.Now().Add(10 * time.Minute).Unix(),
	})
	must(err)
	fmt.Printf("agent swapped %s WETH wei for %s USDC units\n", trade.AmountIn, trade.AmountOut)

	usdc, err := owner.Balance(ctx, user, "USDC")
	must(err)
	fmt.Printf("USDC balance %s\n", usdc)
}

func newClient(srv *httptest.Server, key *ecdsa.PrivateKey) *swapvault.Client {
	client, err := swapvault.NewClient(srv.URL, srv.Client())
	must(err)
	client.SetKey(key)
	return client
}

func mustKey() *ecdsa.PrivateKey {
	key, err := crypto.GenerateKey()
	must(err)
	return key
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
