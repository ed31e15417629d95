package hedera

import (
	"context"
	"regexp"
)

var (
	evmAddressRe = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	accountIDRe  = regexp.MustCompile(`^0\.0\.\d+$`)
)

func ValidEvmAddress(addr string) bool {
	return evmAddressRe.MatchString(addr)
}

func ValidAccountID(addr string) bool {
	return accountIDRe.MatchString(addr)
}

// ResolveAddress normalizes a user-supplied Hedera address to canonical
// account-id form (0.0.x), looking EVM addresses up on the mirror node.
// Mirror-node transfer entries carry account ids, so matching and payouts
// both need this form. Unresolvable input is returned unchanged so the
// caller can reject it.
func (w *Wallet) ResolveAddress(ctx context.Context, addr string) (string, error) {
	if ValidAccountID(addr) {
		return addr, nil
	}
	if !ValidEvmAddress(addr) {
		return addr, nil
	}

	var body struct {
		Account string `json:"account"`
	}
	if err := w.getJSON(ctx, "/accounts/"+addr, &body); err != nil {
		return addr, err
	}
	if body.Account == "" {
		return addr, nil
	}
	return body.Account, nil
}
