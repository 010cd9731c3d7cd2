package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func trainingRows(t *testing.T) []RegisterRow {
	var rows []RegisterRow
	add := func(payee, cat, memo string) {
		rows = append(rows, mkRow(t, rowSpec{account: "Checking", date: "2021-01-02",
			payee: payee, cat: cat, memo: memo, amount: "-5", balance: "0", seq: len(rows)}))
	}
	add("Corner Grocer", "Groceries", "weekly shop")
	add("Corner Grocer", "Groceries", "fruit and vegetables")
	add("City Diner", "Dining", "lunch out")
	add("City Diner", "Dining", "dinner date")
	return rows
}

func TestSuggesterNeedsTwoCategories(t *testing.T) {
	rows := []RegisterRow{mkRow(t, rowSpec{account: "Checking", date: "2021-01-02",
		payee: "Shop", cat: "Groceries", amount: "-5", balance: "0"})}
	require.Nil(t, newSuggester(defaultConfig(), rows, testLogger()))
}

func TestSuggesterBestMatch(t *testing.T) {
	s := newSuggester(defaultConfig(), trainingRows(t), testLogger())
	require.NotNil(t, s)

	class, confidence := s.best("Corner Grocer", "vegetables again")
	require.Equal(t, "Groceries", class)
	require.Greater(t, confidence, 0.5)

	class, _ = s.best("City Diner", "lunch")
	require.Equal(t, "Dining", class)
}

func TestSuggesterIgnoresTransfers(t *testing.T) {
	rows := trainingRows(t)
	transfer := mkRow(t, rowSpec{account: "Checking", date: "2021-01-03",
		amount: "-30", balance: "0", seq: len(rows)})
	transfer.Category = "Transfer: Savings"
	transfer.SubCategory = "Savings"
	rows = append(rows, transfer)

	s := newSuggester(defaultConfig(), rows, testLogger())
	require.NotNil(t, s)
	for _, class := range s.classes {
		require.NotEqual(t, "Savings", string(class))
	}
}
