// Package normalize converts format-specific raw statement content into the
// canonical Statement aggregate. Line identifiers are content-derived so that
// re-normalizing identical input yields identical ids, which the import
// idempotency guarantee depends on.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/valeo-erp/reconcile/internal/domain"
)

// Supported statement formats.
const (
	FormatCAMT053 = "camt053"
	FormatCSV     = "csv"
)

// ImportContext carries the caller-supplied import scope.
type ImportContext struct {
	TenantID   string
	SourceRef  string
	ImportedAt time.Time
}

// Normalizer turns raw statement bytes into a Statement.
type Normalizer struct {
	// balanceEpsilonMinor tolerates rounding gaps between opening+lines and
	// the declared closing balance.
	balanceEpsilonMinor int64
}

// New creates a Normalizer with the given balance epsilon in minor units.
func New(balanceEpsilonMinor int64) *Normalizer {
	return &Normalizer{balanceEpsilonMinor: balanceEpsilonMinor}
}

// rawStatement is the format-independent intermediate produced by the
// per-format parsers before ids and minor units are assigned.
type rawStatement struct {
	AccountIBAN string
	Date        time.Time
	Currency    string
	Opening     decimal.Decimal
	Closing     decimal.Decimal
	Lines       []rawLine
}

type rawLine struct {
	Amount      decimal.Decimal
	Currency    string
	PartyName   string
	PartyIBAN   string
	PartyBIC    string
	Purpose     string
	ValueDate   time.Time
	BookingDate time.Time
}

// Normalize parses raw content in the declared format and assembles the
// canonical Statement. It fails with *domain.ParseError on structural
// violations and *domain.BalanceMismatchError when the declared balances do
// not reconcile with the line sum.
func (n *Normalizer) Normalize(format string, raw []byte, ic ImportContext) (*domain.Statement, error) {
	if ic.TenantID == "" || ic.SourceRef == "" {
		return nil, fmt.Errorf("Normalize: tenant id and source ref are required")
	}

	var (
		rs  *rawStatement
		err error
	)
	switch strings.ToLower(format) {
	case FormatCAMT053:
		rs, err = parseCAMT053(raw)
	case FormatCSV:
		rs, err = parseCSV(raw)
	default:
		return nil, &domain.ParseError{Format: format, Msg: "unsupported format"}
	}
	if err != nil {
		return nil, err
	}

	statementID := domain.NewStatementID(ic.TenantID, ic.SourceRef)
	stmt := &domain.Statement{
		StatementID: statementID,
		TenantID:    ic.TenantID,
		AccountIBAN: rs.AccountIBAN,
		Date:        rs.Date,
		Currency:    rs.Currency,
		SourceRef:   ic.SourceRef,
		ImportedAt:  ic.ImportedAt,
	}

	opening, err := minorUnits(rs.Opening, rs.Currency)
	if err != nil {
		return nil, &domain.ParseError{Format: format, Msg: fmt.Sprintf("opening balance: %v", err)}
	}
	closing, err := minorUnits(rs.Closing, rs.Currency)
	if err != nil {
		return nil, &domain.ParseError{Format: format, Msg: fmt.Sprintf("closing balance: %v", err)}
	}
	stmt.OpeningMinor = opening
	stmt.ClosingMinor = closing

	var sum int64
	for i, rl := range rs.Lines {
		currency := rl.Currency
		if currency == "" {
			currency = rs.Currency
		}
		amount, err := minorUnits(rl.Amount, currency)
		if err != nil {
			return nil, &domain.ParseError{Format: format, Line: i + 1, Msg: fmt.Sprintf("amount: %v", err)}
		}
		sum += amount

		seq := i + 1
		stmt.Lines = append(stmt.Lines, &domain.StatementLine{
			LineID:      domain.NewLineID(statementID, seq),
			StatementID: statementID,
			Sequence:    seq,
			AmountMinor: amount,
			Currency:    currency,
			Party: domain.Counterparty{
				Name: rl.PartyName,
				IBAN: rl.PartyIBAN,
				BIC:  rl.PartyBIC,
			},
			Purpose:     rl.Purpose,
			ValueDate:   rl.ValueDate,
			BookingDate: rl.BookingDate,
			Status:      domain.LineStatusUnmatched,
		})
	}

	actual := stmt.OpeningMinor + sum
	if diff := actual - stmt.ClosingMinor; diff > n.balanceEpsilonMinor || diff < -n.balanceEpsilonMinor {
		return nil, &domain.BalanceMismatchError{
			Currency:      stmt.Currency,
			ExpectedMinor: stmt.ClosingMinor,
			ActualMinor:   actual,
		}
	}

	return stmt, nil
}

// currencyExponents lists minor-unit exponents diverging from the usual 2.
var currencyExponents = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
	"TND": 3,
}

// minorUnits converts a decimal amount into minor units for its currency.
func minorUnits(d decimal.Decimal, currency string) (int64, error) {
	exp, ok := currencyExponents[strings.ToUpper(currency)]
	if !ok {
		exp = 2
	}
	shifted := d.Shift(exp)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("amount %s has more than %d decimal places for %s", d.String(), exp, currency)
	}
	return shifted.IntPart(), nil
}

// parseAmount parses a decimal amount string, rejecting anything the decimal
// grammar does not accept.
func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("non-numeric amount %q", s)
	}
	return d, nil
}

// parseDate accepts ISO dates with or without a time component.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC().Truncate(24 * time.Hour), nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}
