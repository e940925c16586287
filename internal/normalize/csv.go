package normalize

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/valeo-erp/reconcile/internal/domain"
)

// The csv format is record-type tagged. The first record declares the
// statement header, every following record one line:
//
//	STMT,<iban>,<date>,<currency>,<opening>,<closing>
//	LINE,<value_date>,<booking_date>,<amount>,<currency>,<party_name>,<party_iban>,<purpose>
const (
	csvRecordStatement = "STMT"
	csvRecordLine      = "LINE"

	csvStatementFields = 6
	csvLineFields      = 8
)

func parseCSV(raw []byte) (*rawStatement, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1 // record types have different widths

	rs := &rawStatement{}
	var sawHeader bool
	lineNo := 0

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &domain.ParseError{Format: FormatCSV, Line: lineNo + 1, Msg: err.Error()}
		}
		lineNo++

		switch rec[0] {
		case csvRecordStatement:
			if sawHeader {
				return nil, &domain.ParseError{Format: FormatCSV, Line: lineNo, Msg: "duplicate STMT record"}
			}
			if len(rec) != csvStatementFields {
				return nil, &domain.ParseError{Format: FormatCSV, Line: lineNo,
					Msg: fmt.Sprintf("STMT record has %d fields, want %d", len(rec), csvStatementFields)}
			}
			rs.AccountIBAN = rec[1]
			date, err := parseDate(rec[2])
			if err != nil {
				return nil, &domain.ParseError{Format: FormatCSV, Line: lineNo, Msg: err.Error()}
			}
			rs.Date = date
			rs.Currency = rec[3]
			if rs.Opening, err = parseAmount(rec[4]); err != nil {
				return nil, &domain.ParseError{Format: FormatCSV, Line: lineNo, Msg: "opening: " + err.Error()}
			}
			if rs.Closing, err = parseAmount(rec[5]); err != nil {
				return nil, &domain.ParseError{Format: FormatCSV, Line: lineNo, Msg: "closing: " + err.Error()}
			}
			sawHeader = true

		case csvRecordLine:
			if !sawHeader {
				return nil, &domain.ParseError{Format: FormatCSV, Line: lineNo, Msg: "LINE record before STMT header"}
			}
			if len(rec) != csvLineFields {
				return nil, &domain.ParseError{Format: FormatCSV, Line: lineNo,
					Msg: fmt.Sprintf("LINE record has %d fields, want %d", len(rec), csvLineFields)}
			}
			valueDate, err := parseDate(rec[1])
			if err != nil {
				return nil, &domain.ParseError{Format: FormatCSV, Line: lineNo, Msg: "value date: " + err.Error()}
			}
			bookingDate, err := parseDate(rec[2])
			if err != nil {
				return nil, &domain.ParseError{Format: FormatCSV, Line: lineNo, Msg: "booking date: " + err.Error()}
			}
			amount, err := parseAmount(rec[3])
			if err != nil {
				return nil, &domain.ParseError{Format: FormatCSV, Line: lineNo, Msg: err.Error()}
			}
			rs.Lines = append(rs.Lines, rawLine{
				Amount:      amount,
				Currency:    rec[4],
				PartyName:   rec[5],
				PartyIBAN:   rec[6],
				Purpose:     rec[7],
				ValueDate:   valueDate,
				BookingDate: bookingDate,
			})

		default:
			return nil, &domain.ParseError{Format: FormatCSV, Line: lineNo,
				Msg: fmt.Sprintf("unknown record type %q", rec[0])}
		}
	}

	if !sawHeader {
		return nil, &domain.ParseError{Format: FormatCSV, Msg: "missing STMT header record"}
	}
	return rs, nil
}
