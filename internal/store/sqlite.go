package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/dealerscope/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. All timestamps are
// written in UTC so text comparison orders them correctly.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS listings (
	listing_url  TEXT PRIMARY KEY,
	source_site  TEXT NOT NULL,
	vin          TEXT NOT NULL DEFAULT '',
	make         TEXT NOT NULL DEFAULT '',
	model        TEXT NOT NULL DEFAULT '',
	trim         TEXT NOT NULL DEFAULT '',
	year         INTEGER NOT NULL DEFAULT 0,
	mileage      INTEGER NOT NULL DEFAULT 0,
	current_bid  REAL NOT NULL DEFAULT 0,
	location     TEXT NOT NULL DEFAULT '',
	state        TEXT NOT NULL DEFAULT '',
	title_status TEXT NOT NULL DEFAULT '',
	auction_end  DATETIME,
	photo_url    TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL,
	provenance   TEXT,
	scraped_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS market_prices (
	make       TEXT NOT NULL,
	model      TEXT NOT NULL,
	year       INTEGER NOT NULL,
	state      TEXT NOT NULL DEFAULT '',
	avg_price  REAL NOT NULL,
	low_price  REAL NOT NULL,
	high_price REAL NOT NULL,
	samples    INTEGER NOT NULL,
	confidence REAL NOT NULL,
	source     TEXT NOT NULL,
	expires_at DATETIME NOT NULL,
	PRIMARY KEY (make, model, year, state)
);

CREATE TABLE IF NOT EXISTS sale_records (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	make       TEXT NOT NULL,
	model      TEXT NOT NULL,
	year       INTEGER NOT NULL,
	mileage    INTEGER NOT NULL DEFAULT 0,
	state      TEXT NOT NULL DEFAULT '',
	sale_price REAL NOT NULL,
	sold_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_events (
	id          TEXT PRIMARY KEY,
	site_id     TEXT NOT NULL,
	resource    TEXT NOT NULL,
	amount      REAL NOT NULL,
	strategy    TEXT NOT NULL DEFAULT '',
	recorded_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sites (
	id              TEXT PRIMARY KEY,
	config          TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'active',
	last_scraped_at DATETIME,
	vehicles_found  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS site_budgets (
	site_id TEXT NOT NULL,
	day     TEXT NOT NULL,
	data    TEXT NOT NULL,
	PRIMARY KEY (site_id, day)
);

CREATE TABLE IF NOT EXISTS documents (
	id            TEXT PRIMARY KEY,
	site_id       TEXT NOT NULL,
	url           TEXT NOT NULL,
	content_hash  TEXT NOT NULL DEFAULT '',
	etag          TEXT NOT NULL DEFAULT '',
	last_modified TEXT NOT NULL DEFAULT '',
	redacted_html TEXT NOT NULL DEFAULT '',
	verdict       TEXT NOT NULL,
	audit_only    INTEGER NOT NULL DEFAULT 0,
	fetched_at    DATETIME NOT NULL,
	expires_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS opportunities (
	id           TEXT PRIMARY KEY,
	listing_url  TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	status       TEXT NOT NULL,
	active       INTEGER NOT NULL DEFAULT 1,
	listing      TEXT NOT NULL,
	metrics      TEXT NOT NULL,
	scored_at    DATETIME NOT NULL,
	UNIQUE (listing_url, content_hash)
);

CREATE INDEX IF NOT EXISTS idx_listings_source_site ON listings(source_site);
CREATE INDEX IF NOT EXISTS idx_sale_records_make_model ON sale_records(make, model, year);
CREATE INDEX IF NOT EXISTS idx_usage_events_recorded_at ON usage_events(recorded_at);
CREATE INDEX IF NOT EXISTS idx_documents_url ON documents(url, fetched_at);
CREATE INDEX IF NOT EXISTS idx_documents_expires_at ON documents(expires_at);
CREATE INDEX IF NOT EXISTS idx_opportunities_status ON opportunities(status, active);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Listings ---

const sqliteUpsertListing = `
INSERT INTO listings (listing_url, source_site, vin, make, model, trim, year, mileage, current_bid,
	location, state, title_status, auction_end, photo_url, description, content_hash, provenance, scraped_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (listing_url) DO UPDATE SET
	source_site = excluded.source_site, vin = excluded.vin, make = excluded.make,
	model = excluded.model, trim = excluded.trim, year = excluded.year,
	mileage = excluded.mileage, current_bid = excluded.current_bid,
	location = excluded.location, state = excluded.state,
	title_status = excluded.title_status, auction_end = excluded.auction_end,
	photo_url = excluded.photo_url, description = excluded.description,
	content_hash = excluded.content_hash, provenance = excluded.provenance,
	scraped_at = excluded.scraped_at`

func (s *SQLiteStore) UpsertListings(ctx context.Context, listings []model.Listing) (int64, error) {
	if len(listings) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin listings tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsertListing)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare listing upsert")
	}
	defer stmt.Close() //nolint:errcheck

	var n int64
	for _, l := range listings {
		row, err := listingRow(l)
		if err != nil {
			return 0, err
		}
		for i, v := range row {
			if t, ok := v.(*time.Time); ok {
				row[i] = nullTime(t)
			}
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert listing %s", l.ListingURL)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit listings")
	}
	return n, nil
}

const sqliteListingColumns = `listing_url, source_site, vin, make, model, trim, year, mileage, current_bid,
	location, state, title_status, auction_end, photo_url, description, content_hash, provenance, scraped_at`

func (s *SQLiteStore) GetListing(ctx context.Context, listingURL string) (*model.Listing, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteListingColumns+` FROM listings WHERE listing_url = ?`, listingURL)
	l, err := scanSQLiteListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get listing %s", listingURL)
	}
	return l, nil
}

func (s *SQLiteStore) ListListings(ctx context.Context, filter ListingFilter) ([]model.Listing, error) {
	query := `SELECT ` + sqliteListingColumns + ` FROM listings WHERE 1=1`
	var args []any

	if filter.SiteID != "" {
		query += ` AND source_site = ?`
		args = append(args, filter.SiteID)
	}
	if filter.Make != "" {
		query += ` AND lower(make) = lower(?)`
		args = append(args, filter.Make)
	}
	query += ` ORDER BY scraped_at DESC, listing_url LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list listings")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Listing
	for rows.Next() {
		l, err := scanSQLiteListing(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan listing")
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list listings iterate")
}

func scanSQLiteListing(row scannable) (*model.Listing, error) {
	var l model.Listing
	var auctionEnd sql.NullTime
	var provenance sql.NullString
	err := row.Scan(&l.ListingURL, &l.SourceSite, &l.VIN, &l.Make, &l.Model, &l.Trim, &l.Year,
		&l.Mileage, &l.CurrentBid, &l.Location, &l.State, &l.TitleStatus, &auctionEnd,
		&l.PhotoURL, &l.Description, &l.ContentHash, &provenance, &l.ScrapedAt)
	if err != nil {
		return nil, err
	}
	if auctionEnd.Valid {
		t := auctionEnd.Time.UTC()
		l.AuctionEnd = &t
	}
	l.ScrapedAt = l.ScrapedAt.UTC()
	if provenance.Valid && provenance.String != "" {
		l.Provenance = &model.ProvenanceRecord{}
		if err := json.Unmarshal([]byte(provenance.String), l.Provenance); err != nil {
			return nil, eris.Wrap(err, "unmarshal provenance")
		}
	}
	return &l, nil
}

// --- Market ---

func (s *SQLiteStore) GetMarketPrice(ctx context.Context, vehicleMake, vehicleModel string, year int, state string) (*model.MarketPrice, error) {
	var mp model.MarketPrice
	err := s.db.QueryRowContext(ctx,
		`SELECT make, model, year, state, avg_price, low_price, high_price, samples, confidence, source, expires_at
		 FROM market_prices WHERE lower(make) = lower(?) AND lower(model) = lower(?) AND year = ? AND state = ?`,
		vehicleMake, vehicleModel, year, state,
	).Scan(&mp.Make, &mp.Model, &mp.Year, &mp.State, &mp.AvgPrice, &mp.LowPrice, &mp.HighPrice,
		&mp.Samples, &mp.Confidence, &mp.Source, &mp.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get market price")
	}
	mp.ExpiresAt = mp.ExpiresAt.UTC()
	return &mp, nil
}

func (s *SQLiteStore) SetMarketPrice(ctx context.Context, mp model.MarketPrice) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO market_prices (make, model, year, state, avg_price, low_price, high_price, samples, confidence, source, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (make, model, year, state) DO UPDATE SET
			avg_price = excluded.avg_price, low_price = excluded.low_price, high_price = excluded.high_price,
			samples = excluded.samples, confidence = excluded.confidence, source = excluded.source,
			expires_at = excluded.expires_at`,
		mp.Make, mp.Model, mp.Year, mp.State, mp.AvgPrice, mp.LowPrice, mp.HighPrice,
		mp.Samples, mp.Confidence, mp.Source, mp.ExpiresAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: set market price")
}

func (s *SQLiteStore) RecentSales(ctx context.Context, vehicleMake, vehicleModel string, minYear, maxYear, limit int) ([]model.SaleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT make, model, year, mileage, state, sale_price, sold_at FROM sale_records
		 WHERE lower(make) = lower(?) AND lower(model) = lower(?) AND year BETWEEN ? AND ?
		 ORDER BY sold_at DESC LIMIT ?`,
		vehicleMake, vehicleModel, minYear, maxYear, limitOrDefault(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: recent sales")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SaleRecord
	for rows.Next() {
		var r model.SaleRecord
		if err := rows.Scan(&r.Make, &r.Model, &r.Year, &r.Mileage, &r.State, &r.SalePrice, &r.SoldAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sale")
		}
		r.SoldAt = r.SoldAt.UTC()
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: recent sales iterate")
}

func (s *SQLiteStore) AddSales(ctx context.Context, sales []model.SaleRecord) (int64, error) {
	if len(sales) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin sales tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range sales {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sale_records (make, model, year, mileage, state, sale_price, sold_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.Make, r.Model, r.Year, r.Mileage, r.State, r.SalePrice, r.SoldAt.UTC(),
		); err != nil {
			return 0, eris.Wrap(err, "sqlite: insert sale")
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit sales")
	}
	return int64(len(sales)), nil
}

// --- Usage log ---

func (s *SQLiteStore) AppendUsage(ctx context.Context, e model.UsageEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_events (id, site_id, resource, amount, strategy, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.SiteID, string(e.Resource), e.Amount, string(e.Strategy), e.RecordedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: append usage")
}

func (s *SQLiteStore) UsageSince(ctx context.Context, since time.Time) ([]model.UsageEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, site_id, resource, amount, strategy, recorded_at FROM usage_events
		 WHERE recorded_at >= ? ORDER BY recorded_at, id`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: usage since")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.UsageEvent
	for rows.Next() {
		var e model.UsageEvent
		if err := rows.Scan(&e.ID, &e.SiteID, &e.Resource, &e.Amount, &e.Strategy, &e.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan usage event")
		}
		e.RecordedAt = e.RecordedAt.UTC()
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: usage since iterate")
}

// --- Sites ---

func (s *SQLiteStore) SaveSites(ctx context.Context, sites []model.Site) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin sites tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, site := range sites {
		cfg, err := json.Marshal(site)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal site %s", site.ID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sites (id, config) VALUES (?, ?)
			 ON CONFLICT (id) DO UPDATE SET config = excluded.config`,
			site.ID, string(cfg),
		); err != nil {
			return eris.Wrapf(err, "sqlite: save site %s", site.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit sites")
}

func (s *SQLiteStore) ListSites(ctx context.Context) ([]model.Site, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT config, status, last_scraped_at, vehicles_found FROM sites ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sites")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Site
	for rows.Next() {
		var cfg string
		var status string
		var last sql.NullTime
		var found int
		if err := rows.Scan(&cfg, &status, &last, &found); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan site")
		}
		site, err := decodeSite([]byte(cfg), status, last.Time, last.Valid, found)
		if err != nil {
			return nil, err
		}
		out = append(out, site)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sites iterate")
}

func (s *SQLiteStore) UpdateSiteHealth(ctx context.Context, h model.SiteHealth) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sites SET status = ?, last_scraped_at = ?, vehicles_found = ? WHERE id = ?`,
		string(h.Status), h.LastScrapedAt.UTC(), h.VehiclesFound, h.SiteID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update site health %s", h.SiteID)
	}
	return checkRowsAffected(res, "site", h.SiteID)
}

func (s *SQLiteStore) SaveBudget(ctx context.Context, b model.SiteBudget) error {
	data, err := json.Marshal(b)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal budget")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO site_budgets (site_id, day, data) VALUES (?, ?, ?)
		 ON CONFLICT (site_id, day) DO UPDATE SET data = excluded.data`,
		b.SiteID, dayKey(b.Day), string(data),
	)
	return eris.Wrapf(err, "sqlite: save budget %s", b.SiteID)
}

func (s *SQLiteStore) LoadBudgets(ctx context.Context, day time.Time) ([]model.SiteBudget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM site_budgets WHERE day = ? ORDER BY site_id`, dayKey(day))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load budgets")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SiteBudget
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan budget")
		}
		var b model.SiteBudget
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal budget")
		}
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: load budgets iterate")
}

// --- Documents ---

func (s *SQLiteStore) SaveDocument(ctx context.Context, doc model.StoredDocument) error {
	verdict, err := json.Marshal(doc.Verdict)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal verdict")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (id, site_id, url, content_hash, etag, last_modified, redacted_html, verdict, audit_only, fetched_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.SiteID, doc.URL, doc.ContentHash, doc.ETag, doc.LastModified, doc.RedactedHTML,
		string(verdict), doc.AuditOnly, doc.FetchedAt.UTC(), doc.ExpiresAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save document %s", doc.URL)
}

func (s *SQLiteStore) LatestDocument(ctx context.Context, url string) (*model.StoredDocument, error) {
	var d model.StoredDocument
	var verdict string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, site_id, url, content_hash, etag, last_modified, redacted_html, verdict, audit_only, fetched_at, expires_at
		 FROM documents WHERE url = ? ORDER BY fetched_at DESC LIMIT 1`, url,
	).Scan(&d.ID, &d.SiteID, &d.URL, &d.ContentHash, &d.ETag, &d.LastModified, &d.RedactedHTML,
		&verdict, &d.AuditOnly, &d.FetchedAt, &d.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest document %s", url)
	}
	if err := json.Unmarshal([]byte(verdict), &d.Verdict); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal verdict")
	}
	d.FetchedAt = d.FetchedAt.UTC()
	d.ExpiresAt = d.ExpiresAt.UTC()
	return &d, nil
}

func (s *SQLiteStore) DeleteExpiredDocuments(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE expires_at <= ?`, before.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired documents")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

// --- Opportunities ---

func (s *SQLiteStore) UpsertOpportunity(ctx context.Context, opp model.Opportunity) (bool, error) {
	listing, metrics, err := marshalOpportunity(opp)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin opportunity tx")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT INTO opportunities (id, listing_url, content_hash, status, active, listing, metrics, scored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (listing_url, content_hash) DO NOTHING`,
		opp.ID, opp.Listing.ListingURL, opp.ContentHash, string(opp.Status), opp.Active,
		string(listing), string(metrics), opp.ScoredAt.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert opportunity %s", opp.Listing.ListingURL)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE opportunities SET active = 0 WHERE listing_url = ? AND content_hash <> ?`,
		opp.Listing.ListingURL, opp.ContentHash,
	); err != nil {
		return false, eris.Wrap(err, "sqlite: deactivate superseded opportunities")
	}
	return true, eris.Wrap(tx.Commit(), "sqlite: commit opportunity")
}

func (s *SQLiteStore) ListOpportunities(ctx context.Context, filter OpportunityFilter) ([]model.Opportunity, error) {
	query := `SELECT id, content_hash, status, active, listing, metrics, scored_at FROM opportunities WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ActiveOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY scored_at DESC, id LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list opportunities")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Opportunity
	for rows.Next() {
		var o model.Opportunity
		var listing, metrics string
		if err := rows.Scan(&o.ID, &o.ContentHash, &o.Status, &o.Active, &listing, &metrics, &o.ScoredAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan opportunity")
		}
		if err := unmarshalOpportunity(&o, []byte(listing), []byte(metrics)); err != nil {
			return nil, err
		}
		o.ScoredAt = o.ScoredAt.UTC()
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list opportunities iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func dayKey(t time.Time) string {
	return dayStart(t).Format(time.DateOnly)
}
