// Package market provides the broker gateway abstraction, option symbol
// handling and chain ingestion.
package market

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/gammadesk/options-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// osiPattern matches ROOT(1-6) + YYMMDD + C/P + strike*1000 (8 digits).
var osiPattern = regexp.MustCompile(`^([A-Z]{1,6})(\d{6})([CP])(\d{8})$`)

// OSIRecord is a decoded option symbol.
type OSIRecord struct {
	Underlying string           `json:"underlying"`
	Expiration time.Time        `json:"expiration"`
	Type       types.OptionType `json:"type"`
	Strike     decimal.Decimal  `json:"strike"`
}

// ParseOSI decodes an OSI option symbol. Malformed input yields a record
// with Type = unknown.
func ParseOSI(symbol string) OSIRecord {
	m := osiPattern.FindStringSubmatch(symbol)
	if m == nil {
		return OSIRecord{Type: types.OptionTypeUnknown}
	}

	exp, err := time.ParseInLocation("060102", m[2], time.UTC)
	if err != nil {
		return OSIRecord{Type: types.OptionTypeUnknown}
	}

	milli, err := strconv.ParseInt(m[4], 10, 64)
	if err != nil {
		return OSIRecord{Type: types.OptionTypeUnknown}
	}

	optType := types.OptionTypeCall
	if m[3] == "P" {
		optType = types.OptionTypePut
	}

	return OSIRecord{
		Underlying: m[1],
		Expiration: exp,
		Type:       optType,
		Strike:     decimal.New(milli, -3),
	}
}

// BuildOSI encodes an option symbol; the inverse of ParseOSI for well-formed
// records.
func BuildOSI(underlying string, expiration time.Time, optType types.OptionType, strike decimal.Decimal) string {
	letter := "C"
	if optType == types.OptionTypePut {
		letter = "P"
	}
	milli := strike.Mul(decimal.NewFromInt(1000)).IntPart()
	return fmt.Sprintf("%s%s%s%08d", underlying, expiration.Format("060102"), letter, milli)
}

// IsOptionSymbol reports whether a symbol is a well-formed OSI identifier.
func IsOptionSymbol(symbol string) bool {
	return osiPattern.MatchString(symbol)
}
