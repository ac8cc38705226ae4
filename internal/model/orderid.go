package model

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/theplant/luhn"
)

const orderIDPrefix = "order_"

// NewOrderID returns order_<unix millis><4 random digits><luhn check digit>.
func NewOrderID(now time.Time) string {
	number := int(now.UnixMilli())*10000 + rand.IntN(10000)
	return orderIDPrefix + strconv.Itoa(number) + strconv.Itoa(luhn.CalculateLuhn(number))
}

// ValidOrderID checks the prefix and the check digit, so that mistyped ids
// never reach the store.
func ValidOrderID(id string) bool {
	digits, ok := strings.CutPrefix(id, orderIDPrefix)
	if !ok || digits == "" {
		return false
	}
	number, err := strconv.Atoi(digits)
	if err != nil || number <= 0 {
		return false
	}
	return luhn.Valid(number)
}
