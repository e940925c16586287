package normalize

import (
	"encoding/xml"

	"github.com/valeo-erp/reconcile/internal/domain"
)

// camt053Document mirrors the subset of the ISO 20022 CAMT.053 bank-to-customer
// statement that the engine consumes.
type camt053Document struct {
	XMLName       xml.Name         `xml:"Document"`
	BkToCstmrStmt camt053BkToCstmr `xml:"BkToCstmrStmt"`
}

type camt053BkToCstmr struct {
	Stmt camt053Stmt `xml:"Stmt"`
}

type camt053Stmt struct {
	Id      string `xml:"Id"`
	CreDtTm string `xml:"CreDtTm"`
	Acct    struct {
		Id struct {
			IBAN string `xml:"IBAN"`
		} `xml:"Id"`
		Ccy string `xml:"Ccy"`
	} `xml:"Acct"`
	Bal  []camt053Bal  `xml:"Bal"`
	Ntry []camt053Ntry `xml:"Ntry"`
}

type camt053Bal struct {
	Tp struct {
		CdOrPrtry struct {
			Cd string `xml:"Cd"`
		} `xml:"CdOrPrtry"`
	} `xml:"Tp"`
	Amt       camt053Amt `xml:"Amt"`
	CdtDbtInd string     `xml:"CdtDbtInd"`
	Dt        struct {
		Dt string `xml:"Dt"`
	} `xml:"Dt"`
}

type camt053Amt struct {
	Text string `xml:",chardata"`
	Ccy  string `xml:"Ccy,attr"`
}

type camt053Ntry struct {
	Amt       camt053Amt `xml:"Amt"`
	CdtDbtInd string     `xml:"CdtDbtInd"`
	BookgDt   struct {
		Dt string `xml:"Dt"`
	} `xml:"BookgDt"`
	ValDt struct {
		Dt string `xml:"Dt"`
	} `xml:"ValDt"`
	NtryDtls struct {
		TxDtls struct {
			RltdPties struct {
				Dbtr struct {
					Nm string `xml:"Nm"`
				} `xml:"Dbtr"`
				DbtrAcct struct {
					Id struct {
						IBAN string `xml:"IBAN"`
					} `xml:"Id"`
				} `xml:"DbtrAcct"`
				Cdtr struct {
					Nm string `xml:"Nm"`
				} `xml:"Cdtr"`
				CdtrAcct struct {
					Id struct {
						IBAN string `xml:"IBAN"`
					} `xml:"Id"`
				} `xml:"CdtrAcct"`
			} `xml:"RltdPties"`
			RltdAgts struct {
				DbtrAgt struct {
					FinInstnId struct {
						BICFI string `xml:"BICFI"`
					} `xml:"FinInstnId"`
				} `xml:"DbtrAgt"`
			} `xml:"RltdAgts"`
			RmtInf struct {
				Ustrd []string `xml:"Ustrd"`
			} `xml:"RmtInf"`
		} `xml:"TxDtls"`
	} `xml:"NtryDtls"`
	AddtlNtryInf string `xml:"AddtlNtryInf"`
}

// Balance type codes per ISO 20022.
const (
	balanceOpening = "OPBD"
	balanceClosing = "CLBD"
)

func parseCAMT053(raw []byte) (*rawStatement, error) {
	var doc camt053Document
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, &domain.ParseError{Format: FormatCAMT053, Msg: err.Error()}
	}

	stmt := doc.BkToCstmrStmt.Stmt
	if stmt.Acct.Id.IBAN == "" {
		return nil, &domain.ParseError{Format: FormatCAMT053, Msg: "missing account IBAN"}
	}

	rs := &rawStatement{
		AccountIBAN: stmt.Acct.Id.IBAN,
		Currency:    stmt.Acct.Ccy,
	}

	var haveOpening, haveClosing bool
	for _, bal := range stmt.Bal {
		amt, err := parseAmount(bal.Amt.Text)
		if err != nil {
			return nil, &domain.ParseError{Format: FormatCAMT053, Msg: "balance: " + err.Error()}
		}
		if bal.CdtDbtInd == "DBIT" {
			amt = amt.Neg()
		}
		switch bal.Tp.CdOrPrtry.Cd {
		case balanceOpening:
			rs.Opening = amt
			haveOpening = true
		case balanceClosing:
			rs.Closing = amt
			haveClosing = true
			if d, err := parseDate(bal.Dt.Dt); err == nil {
				rs.Date = d
			}
		}
		if rs.Currency == "" {
			rs.Currency = bal.Amt.Ccy
		}
	}
	if !haveOpening || !haveClosing {
		return nil, &domain.ParseError{Format: FormatCAMT053, Msg: "missing OPBD/CLBD balance"}
	}

	for i, ntry := range stmt.Ntry {
		amt, err := parseAmount(ntry.Amt.Text)
		if err != nil {
			return nil, &domain.ParseError{Format: FormatCAMT053, Line: i + 1, Msg: err.Error()}
		}
		if ntry.CdtDbtInd == "DBIT" {
			amt = amt.Neg()
		} else if ntry.CdtDbtInd != "CRDT" {
			return nil, &domain.ParseError{Format: FormatCAMT053, Line: i + 1, Msg: "missing CdtDbtInd"}
		}

		valDate, err := parseDate(ntry.ValDt.Dt)
		if err != nil {
			return nil, &domain.ParseError{Format: FormatCAMT053, Line: i + 1, Msg: "value date: " + err.Error()}
		}
		bookDate := valDate
		if ntry.BookgDt.Dt != "" {
			if d, err := parseDate(ntry.BookgDt.Dt); err == nil {
				bookDate = d
			}
		}

		tx := ntry.NtryDtls.TxDtls
		// The relevant party is the debtor for credits (money in) and the
		// creditor for debits (money out).
		var name, iban string
		if ntry.CdtDbtInd == "CRDT" {
			name = tx.RltdPties.Dbtr.Nm
			iban = tx.RltdPties.DbtrAcct.Id.IBAN
		} else {
			name = tx.RltdPties.Cdtr.Nm
			iban = tx.RltdPties.CdtrAcct.Id.IBAN
		}

		purpose := ""
		for _, u := range tx.RmtInf.Ustrd {
			if purpose != "" {
				purpose += " "
			}
			purpose += u
		}
		if purpose == "" {
			purpose = ntry.AddtlNtryInf
		}

		rs.Lines = append(rs.Lines, rawLine{
			Amount:      amt,
			Currency:    ntry.Amt.Ccy,
			PartyName:   name,
			PartyIBAN:   iban,
			PartyBIC:    tx.RltdAgts.DbtrAgt.FinInstnId.BICFI,
			Purpose:     purpose,
			ValueDate:   valDate,
			BookingDate: bookDate,
		})
	}

	return rs, nil
}
