package main

import (
	"encoding/csv"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/govalues/decimal"
	"github.com/pkg/errors"
)

const dateStamp = "2006-01-02"

// Column layouts of the two YNAB4 export files. The exporter always writes
// every column, so row length is validated against these.
var registerFields = []string{
	"Account", "Flag", "Check Number", "Date", "Payee", "Category",
	"Master Category", "Sub Category", "Memo", "Outflow", "Inflow",
	"Cleared", "Running Balance",
}

var budgetFields = []string{
	"Month", "Category", "Master Category", "Sub Category", "Budgeted",
	"Outflows", "Category Balance",
}

// RegisterRow is one exported register record: a transaction leg, possibly
// one of several splits.
type RegisterRow struct {
	Account        string
	Flag           string
	CheckNumber    string
	Date           time.Time
	Payee          string
	Category       string
	MasterCategory string
	SubCategory    string
	Memo           string
	Outflow        decimal.Decimal
	Inflow         decimal.Decimal
	Cleared        string
	RunningBalance decimal.Decimal

	// Seq is the row's position in the export file. It drives all
	// deterministic tie-breaks.
	Seq int
}

// Amount returns the signed amount of the leg: inflows positive, outflows
// negative.
func (r RegisterRow) Amount() decimal.Decimal {
	amt, err := r.Inflow.Sub(r.Outflow)
	if err != nil {
		// Inflow and Outflow both fit in a decimal, so their
		// difference does too.
		panic(err)
	}
	return amt
}

func (r RegisterRow) Reconciled() bool { return r.Cleared == "R" }

func (r RegisterRow) IsStartingBalance() bool { return r.Payee == "Starting Balance" }

// BudgetRow is one exported monthly budget record.
type BudgetRow struct {
	Month           time.Time
	Category        string
	MasterCategory  string
	SubCategory     string
	Budgeted        decimal.Decimal
	Outflows        decimal.Decimal
	CategoryBalance decimal.Decimal

	Seq int
}

func (b BudgetRow) IsHidden() bool { return b.MasterCategory == "Hidden Categories" }

func (b BudgetRow) IsPreYNAB() bool { return strings.HasPrefix(b.Category, "Pre-YNAB Debt") }

// Exported amounts carry currency symbols and thousand separators, e.g.
// "$1,234.56" or "-€12,00".
var amountRe = regexp.MustCompile(`^(-)?[^0-9]*([0-9][0-9,]*(?:\.[0-9]+)?)$`)

func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, nil
	}
	m := amountRe.FindStringSubmatch(s)
	if m == nil {
		return decimal.Decimal{}, errors.Errorf("no amount in %q", s)
	}
	d, err := decimal.Parse(m[1] + strings.ReplaceAll(m[2], ",", ""))
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(err, "amount %q", s)
	}
	return d, nil
}

// readRegister parses the register export into rows ordered chronologically,
// preserving file order within a day. Malformed rows fail with ParseError.
func readRegister(path string, dateFormat string) ([]RegisterRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open register %v", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(registerFields)

	var rows []RegisterRow
	line := 0
	for {
		cols, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, &ParseError{File: path, Line: line, Err: err}
		}
		if line == 1 && cols[0] == registerFields[0] {
			// header
			continue
		}

		row := RegisterRow{
			Account:        cols[0],
			Flag:           cols[1],
			CheckNumber:    cols[2],
			Payee:          strings.TrimSpace(cols[4]),
			Category:       strings.TrimSpace(cols[5]),
			MasterCategory: strings.TrimSpace(cols[6]),
			SubCategory:    strings.TrimSpace(cols[7]),
			Memo:           strings.TrimSpace(cols[8]),
			Cleared:        cols[11],
			Seq:            len(rows),
		}
		if row.Date, err = time.Parse(dateFormat, cols[3]); err != nil {
			return nil, parseErrorf(path, line, "bad date %q: %v", cols[3], err)
		}
		if row.Outflow, err = parseAmount(cols[9]); err != nil {
			return nil, parseErrorf(path, line, "bad outflow: %v", err)
		}
		if row.Inflow, err = parseAmount(cols[10]); err != nil {
			return nil, parseErrorf(path, line, "bad inflow: %v", err)
		}
		if row.RunningBalance, err = parseAmount(cols[12]); err != nil {
			return nil, parseErrorf(path, line, "bad running balance: %v", err)
		}
		rows = append(rows, row)
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Date.Before(rows[j].Date) })
	return rows, nil
}

// readBudget parses the budget export. Months come in "January 2021" form.
func readBudget(path string) ([]BudgetRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open budget %v", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(budgetFields)

	var rows []BudgetRow
	line := 0
	for {
		cols, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, &ParseError{File: path, Line: line, Err: err}
		}
		if line == 1 && cols[0] == budgetFields[0] {
			continue
		}

		row := BudgetRow{
			Category:       strings.TrimSpace(cols[1]),
			MasterCategory: strings.TrimSpace(cols[2]),
			SubCategory:    strings.TrimSpace(cols[3]),
			Seq:            len(rows),
		}
		if row.Month, err = time.Parse("January 2006", cols[0]); err != nil {
			return nil, parseErrorf(path, line, "bad month %q: %v", cols[0], err)
		}
		if row.Budgeted, err = parseAmount(cols[4]); err != nil {
			return nil, parseErrorf(path, line, "bad budgeted amount: %v", err)
		}
		if row.Outflows, err = parseAmount(cols[5]); err != nil {
			return nil, parseErrorf(path, line, "bad outflows: %v", err)
		}
		if row.CategoryBalance, err = parseAmount(cols[6]); err != nil {
			return nil, parseErrorf(path, line, "bad category balance: %v", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func monthOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func dsum(vals ...decimal.Decimal) (decimal.Decimal, error) {
	var total decimal.Decimal
	var err error
	for _, v := range vals {
		if total, err = total.Add(v); err != nil {
			return decimal.Decimal{}, err
		}
	}
	return total, nil
}
