package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"$1,234.56", "1234.56"},
		{"-$12.00", "-12.00"},
		{"$0.00", "0.00"},
		{"", "0"},
		{"12.5", "12.5"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := parseAmount(tc.in)
			require.NoError(t, err)
			require.Equal(t, dec(t, tc.want).String(), got.String())
		})
	}

	_, err := parseAmount("garbage")
	require.Error(t, err)
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "export.csv")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestReadRegister(t *testing.T) {
	csv := `"Account","Flag","Check Number","Date","Payee","Category","Master Category","Sub Category","Memo","Outflow","Inflow","Cleared","Running Balance"
"Checking","","","02/01/2021","Shop","Everyday: Groceries","Everyday","Groceries","weekly","$20.00","$0.00","R","$80.00"
"Checking","","","01/01/2021","Starting Balance","","","","","$0.00","$100.00","R","$100.00"
`
	rows, err := readRegister(writeCSV(t, csv), "01/02/2006")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Chronological order regardless of file order.
	require.True(t, rows[0].IsStartingBalance())
	require.Equal(t, "Shop", rows[1].Payee)
	require.Equal(t, "-20.00", rows[1].Amount().String())
	require.True(t, rows[1].Reconciled())
	require.Equal(t, "Groceries", rows[1].SubCategory)
}

func TestReadRegisterBadDate(t *testing.T) {
	csv := `"Account","Flag","Check Number","Date","Payee","Category","Master Category","Sub Category","Memo","Outflow","Inflow","Cleared","Running Balance"
"Checking","","","not-a-date","Shop","","","","","$20.00","$0.00","R","$80.00"
`
	_, err := readRegister(writeCSV(t, csv), "01/02/2006")
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, 2, perr.Line)
}

func TestReadBudget(t *testing.T) {
	csv := `"Month","Category","Master Category","Sub Category","Budgeted","Outflows","Category Balance"
"January 2021","Everyday: Groceries","Everyday","Groceries","$300.00","$250.00","$50.00"
"February 2021","Hidden Categories: Groceries","Hidden Categories","Groceries","$0.00","$0.00","$0.00"
`
	rows, err := readBudget(writeCSV(t, csv))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, day(t, "2021-01-01"), monthOf(rows[0].Month))
	require.Equal(t, "300.00", rows[0].Budgeted.String())
	require.False(t, rows[0].IsHidden())
	require.True(t, rows[1].IsHidden())
}
