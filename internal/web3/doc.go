// Package web3 houses blockchain connectivity utilities: chain and token
// configuration, RPC clients, and the contract bindings used to route swaps
// through Uniswap v3 and to move ERC20 custody funds on EVM networks such
// as Ethereum and Base.
package web3
