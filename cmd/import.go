package main

import (
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dealerscope/internal/model"
)

var importCSVPath string

var importCmd = &cobra.Command{
	Use:   "import-sales",
	Short: "Import historical vehicle sales from CSV for market pricing",
	Long: `Loads sold-vehicle records used as the second market price source.
The CSV needs a header with make, model, year, sale_price and sold_at;
mileage and state are optional. sold_at is YYYY-MM-DD or RFC 3339.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		f, err := os.Open(importCSVPath)
		if err != nil {
			return eris.Wrap(err, "import: open csv")
		}
		defer f.Close() //nolint:errcheck

		sales, err := parseSalesCSV(f)
		if err != nil {
			return eris.Wrapf(err, "import: parse %s", importCSVPath)
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.AddSales(ctx, sales)
		if err != nil {
			return eris.Wrap(err, "import: add sales")
		}

		zap.L().Info("import complete",
			zap.Int64("created", n),
			zap.String("csv", importCSVPath),
		)
		return nil
	},
}

var requiredSaleColumns = []string{"make", "model", "year", "sale_price", "sold_at"}

// parseSalesCSV reads sale records keyed by header name. Rows missing a
// required value fail the whole import.
func parseSalesCSV(r io.Reader) ([]model.SaleRecord, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, eris.Wrap(err, "read header")
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range requiredSaleColumns {
		if _, ok := col[name]; !ok {
			return nil, eris.Errorf("missing column %q", name)
		}
	}

	get := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var out []model.SaleRecord
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "line %d", line)
		}

		rec := model.SaleRecord{
			Make:  get(row, "make"),
			Model: get(row, "model"),
			State: strings.ToUpper(get(row, "state")),
		}
		if rec.Make == "" || rec.Model == "" {
			return nil, eris.Errorf("line %d: make and model are required", line)
		}
		if rec.Year, err = strconv.Atoi(get(row, "year")); err != nil {
			return nil, eris.Errorf("line %d: invalid year %q", line, get(row, "year"))
		}
		if rec.SalePrice, err = strconv.ParseFloat(get(row, "sale_price"), 64); err != nil || rec.SalePrice <= 0 {
			return nil, eris.Errorf("line %d: invalid sale_price %q", line, get(row, "sale_price"))
		}
		if v := get(row, "mileage"); v != "" {
			if rec.Mileage, err = strconv.Atoi(v); err != nil {
				return nil, eris.Errorf("line %d: invalid mileage %q", line, v)
			}
		}
		if rec.SoldAt, err = parseSoldAt(get(row, "sold_at")); err != nil {
			return nil, eris.Errorf("line %d: invalid sold_at %q", line, get(row, "sold_at"))
		}
		out = append(out, rec)
	}
	return out, nil
}

func parseSoldAt(v string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	return t.UTC(), err
}

func init() {
	importCmd.Flags().StringVar(&importCSVPath, "csv", "", "path to CSV file (required)")
	_ = importCmd.MarkFlagRequired("csv")
	rootCmd.AddCommand(importCmd)
}
