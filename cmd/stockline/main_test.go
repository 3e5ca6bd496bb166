package main

import (
	"testing"

	"github.com/stockline/stockline/internal/app"
	stocktesting "github.com/stockline/stockline/testing"
)

func TestMain(m *testing.M) {
	stocktesting.TestMain(m)
}

func TestMainSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	if !app.InTestMode() {
		t.Fatal("expected test mode")
	}
	main()
}
