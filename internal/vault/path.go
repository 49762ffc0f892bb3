package vault

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AISwap-Executor/internal/errors"
)

// Hop 是多跳路径中的一段池子。
type Hop struct {
	TokenIn  common.Address `json:"token_in"`
	Fee      uint32         `json:"fee"`
	TokenOut common.Address `json:"token_out"`
}

// Path 是首尾相接的有序 Hop 序列。
type Path []Hop

// Validate 检查路径非空、费率合法且相邻 Hop 首尾相接。
func (p Path) Validate() error {
	if len(p) == 0 {
		return ErrInvalidArgument.With(xerrors.WithMetadata("field", "path"), xerrors.WithMetadata("reason", "empty"))
	}
	for i, hop := range p {
		if err := checkFee(hop.Fee); err != nil {
			return err
		}
		if hop.TokenIn == hop.TokenOut {
			return ErrInvalidArgument.With(
				xerrors.WithMetadata("field", "path"),
				xerrors.WithMetadata("reason", fmt.Sprintf("hop %d swaps a token for itself", i)),
			)
		}
		if i > 0 && p[i-1].TokenOut != hop.TokenIn {
			return ErrInvalidArgument.With(
				xerrors.WithMetadata("field", "path"),
				xerrors.WithMetadata("reason", fmt.Sprintf("hop %d does not start at %s", i, p[i-1].TokenOut.Hex())),
			)
		}
	}
	return nil
}

// TokenIn 返回路径的输入代币。
func (p Path) TokenIn() common.Address {
	if len(p) == 0 {
		return common.Address{}
	}
	return p[0].TokenIn
}

// TokenOut 返回路径的最终输出代币。
func (p Path) TokenOut() common.Address {
	if len(p) == 0 {
		return common.Address{}
	}
	return p[len(p)-1].TokenOut
}

// String 以 token -fee-> token 的形式输出路径，便于日志阅读。
func (p Path) String() string {
	if len(p) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(p[0].TokenIn.Hex())
	for _, hop := range p {
		fmt.Fprintf(&b, " -%d-> %s", hop.Fee, hop.TokenOut.Hex())
	}
	return b.String()
}

// Clone 返回路径的拷贝。
func (p Path) Clone() Path {
	if p == nil {
		return nil
	}
	out := make(Path, len(p))
	copy(out, p)
	return out
}
