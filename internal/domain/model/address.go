package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const dateLayout = "2006-01-02"

// ParseAddress validates a hex address. Checksum casing is not enforced.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(trimmed), nil
}

// ShortAddress renders 0x1234...abcd.
func ShortAddress(addr common.Address) string {
	hex := addr.Hex()
	return hex[:6] + "..." + hex[len(hex)-4:]
}

// EpochDate converts a ledger timestamp (seconds) to a UTC calendar date.
func EpochDate(seconds int64) string {
	return EpochTime(seconds).Format(dateLayout)
}

func EpochTime(seconds int64) time.Time {
	return time.Unix(seconds, 0).UTC()
}
