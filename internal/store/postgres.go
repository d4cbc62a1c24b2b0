package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/dealerscope/internal/db"
	"github.com/sells-group/dealerscope/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hot paths of a scrape run.
var preparedStatements = map[string]string{
	"get_market_price": `SELECT make, model, year, state, avg_price, low_price, high_price, samples, confidence, source, expires_at FROM market_prices WHERE lower(make) = lower($1) AND lower(model) = lower($2) AND year = $3 AND state = $4`,
	"append_usage":     `INSERT INTO usage_events (id, site_id, resource, amount, strategy, recorded_at) VALUES ($1, $2, $3, $4, $5, $6)`,
	"latest_document":  `SELECT id, site_id, url, content_hash, etag, last_modified, redacted_html, verdict, audit_only, fetched_at, expires_at FROM documents WHERE url = $1 ORDER BY fetched_at DESC LIMIT 1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS listings (
	listing_url  TEXT PRIMARY KEY,
	source_site  TEXT NOT NULL,
	vin          TEXT NOT NULL DEFAULT '',
	make         TEXT NOT NULL DEFAULT '',
	model        TEXT NOT NULL DEFAULT '',
	trim         TEXT NOT NULL DEFAULT '',
	year         INTEGER NOT NULL DEFAULT 0,
	mileage      INTEGER NOT NULL DEFAULT 0,
	current_bid  DOUBLE PRECISION NOT NULL DEFAULT 0,
	location     TEXT NOT NULL DEFAULT '',
	state        TEXT NOT NULL DEFAULT '',
	title_status TEXT NOT NULL DEFAULT '',
	auction_end  TIMESTAMPTZ,
	photo_url    TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL,
	provenance   JSONB,
	scraped_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS market_prices (
	make       TEXT NOT NULL,
	model      TEXT NOT NULL,
	year       INTEGER NOT NULL,
	state      TEXT NOT NULL DEFAULT '',
	avg_price  DOUBLE PRECISION NOT NULL,
	low_price  DOUBLE PRECISION NOT NULL,
	high_price DOUBLE PRECISION NOT NULL,
	samples    INTEGER NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	source     TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (make, model, year, state)
);

CREATE TABLE IF NOT EXISTS sale_records (
	id         BIGSERIAL PRIMARY KEY,
	make       TEXT NOT NULL,
	model      TEXT NOT NULL,
	year       INTEGER NOT NULL,
	mileage    INTEGER NOT NULL DEFAULT 0,
	state      TEXT NOT NULL DEFAULT '',
	sale_price DOUBLE PRECISION NOT NULL,
	sold_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_events (
	id          TEXT PRIMARY KEY,
	site_id     TEXT NOT NULL,
	resource    TEXT NOT NULL,
	amount      DOUBLE PRECISION NOT NULL,
	strategy    TEXT NOT NULL DEFAULT '',
	recorded_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sites (
	id              TEXT PRIMARY KEY,
	config          JSONB NOT NULL,
	status          TEXT NOT NULL DEFAULT 'active',
	last_scraped_at TIMESTAMPTZ,
	vehicles_found  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS site_budgets (
	site_id TEXT NOT NULL,
	day     DATE NOT NULL,
	data    JSONB NOT NULL,
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
	verdict       JSONB NOT NULL,
	audit_only    BOOLEAN NOT NULL DEFAULT false,
	fetched_at    TIMESTAMPTZ NOT NULL,
	expires_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS opportunities (
	id           TEXT PRIMARY KEY,
	listing_url  TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	status       TEXT NOT NULL,
	active       BOOLEAN NOT NULL DEFAULT true,
	listing      JSONB NOT NULL,
	metrics      JSONB NOT NULL,
	scored_at    TIMESTAMPTZ NOT NULL,
	UNIQUE (listing_url, content_hash)
);

CREATE INDEX IF NOT EXISTS idx_listings_source_site ON listings(source_site);
CREATE INDEX IF NOT EXISTS idx_sale_records_make_model ON sale_records(lower(make), lower(model), year);
CREATE INDEX IF NOT EXISTS idx_usage_events_recorded_at ON usage_events(recorded_at);
CREATE INDEX IF NOT EXISTS idx_documents_url ON documents(url, fetched_at DESC);
CREATE INDEX IF NOT EXISTS idx_documents_expires_at ON documents(expires_at);
CREATE INDEX IF NOT EXISTS idx_opportunities_status ON opportunities(status, active);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Listings ---

func (s *PostgresStore) UpsertListings(ctx context.Context, listings []model.Listing) (int64, error) {
	rows := make([][]any, 0, len(listings))
	for _, l := range listings {
		row, err := listingRow(l)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "listings",
		Columns:      listingColumns,
		ConflictKeys: []string{"listing_url"},
	}, db.DedupeRows(rows, 0))
	return n, eris.Wrap(err, "postgres: upsert listings")
}

const pgListingColumns = `listing_url, source_site, vin, make, model, trim, year, mileage, current_bid,
	location, state, title_status, auction_end, photo_url, description, content_hash, provenance, scraped_at`

func (s *PostgresStore) GetListing(ctx context.Context, listingURL string) (*model.Listing, error) {
	l, err := scanPGListing(s.pool.QueryRow(ctx,
		`SELECT `+pgListingColumns+` FROM listings WHERE listing_url = $1`, listingURL))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get listing %s", listingURL)
	}
	return l, nil
}

func (s *PostgresStore) ListListings(ctx context.Context, filter ListingFilter) ([]model.Listing, error) {
	query := `SELECT ` + pgListingColumns + ` FROM listings WHERE true`
	args := []any{}
	argIdx := 1

	if filter.SiteID != "" {
		query += fmt.Sprintf(` AND source_site = $%d`, argIdx)
		args = append(args, filter.SiteID)
		argIdx++
	}
	if filter.Make != "" {
		query += fmt.Sprintf(` AND lower(make) = lower($%d)`, argIdx)
		args = append(args, filter.Make)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY scraped_at DESC, listing_url LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list listings")
	}
	defer rows.Close()

	var out []model.Listing
	for rows.Next() {
		l, err := scanPGListing(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan listing")
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list listings iterate")
}

func scanPGListing(row pgx.Row) (*model.Listing, error) {
	var l model.Listing
	if err := row.Scan(&l.ListingURL, &l.SourceSite, &l.VIN, &l.Make, &l.Model, &l.Trim, &l.Year,
		&l.Mileage, &l.CurrentBid, &l.Location, &l.State, &l.TitleStatus, &l.AuctionEnd,
		&l.PhotoURL, &l.Description, &l.ContentHash, &l.Provenance, &l.ScrapedAt); err != nil {
		return nil, err
	}
	return &l, nil
}

// --- Market ---

func (s *PostgresStore) GetMarketPrice(ctx context.Context, vehicleMake, vehicleModel string, year int, state string) (*model.MarketPrice, error) {
	var mp model.MarketPrice
	err := s.pool.QueryRow(ctx,
		`SELECT make, model, year, state, avg_price, low_price, high_price, samples, confidence, source, expires_at
		 FROM market_prices WHERE lower(make) = lower($1) AND lower(model) = lower($2) AND year = $3 AND state = $4`,
		vehicleMake, vehicleModel, year, state,
	).Scan(&mp.Make, &mp.Model, &mp.Year, &mp.State, &mp.AvgPrice, &mp.LowPrice, &mp.HighPrice,
		&mp.Samples, &mp.Confidence, &mp.Source, &mp.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get market price")
	}
	return &mp, nil
}

func (s *PostgresStore) SetMarketPrice(ctx context.Context, mp model.MarketPrice) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO market_prices (make, model, year, state, avg_price, low_price, high_price, samples, confidence, source, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (make, model, year, state) DO UPDATE SET
			avg_price = $5, low_price = $6, high_price = $7, samples = $8,
			confidence = $9, source = $10, expires_at = $11`,
		mp.Make, mp.Model, mp.Year, mp.State, mp.AvgPrice, mp.LowPrice, mp.HighPrice,
		mp.Samples, mp.Confidence, mp.Source, mp.ExpiresAt.UTC(),
	)
	return eris.Wrap(err, "postgres: set market price")
}

func (s *PostgresStore) RecentSales(ctx context.Context, vehicleMake, vehicleModel string, minYear, maxYear, limit int) ([]model.SaleRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT make, model, year, mileage, state, sale_price, sold_at FROM sale_records
		 WHERE lower(make) = lower($1) AND lower(model) = lower($2) AND year BETWEEN $3 AND $4
		 ORDER BY sold_at DESC LIMIT $5`,
		vehicleMake, vehicleModel, minYear, maxYear, limitOrDefault(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent sales")
	}
	defer rows.Close()

	var out []model.SaleRecord
	for rows.Next() {
		var r model.SaleRecord
		if err := rows.Scan(&r.Make, &r.Model, &r.Year, &r.Mileage, &r.State, &r.SalePrice, &r.SoldAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan sale")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: recent sales iterate")
}

var saleColumns = []string{"make", "model", "year", "mileage", "state", "sale_price", "sold_at"}

func (s *PostgresStore) AddSales(ctx context.Context, sales []model.SaleRecord) (int64, error) {
	rows := make([][]any, len(sales))
	for i, r := range sales {
		rows[i] = []any{r.Make, r.Model, r.Year, r.Mileage, r.State, r.SalePrice, r.SoldAt.UTC()}
	}
	n, err := db.CopyFrom(ctx, s.pool, "sale_records", saleColumns, rows)
	return n, eris.Wrap(err, "postgres: add sales")
}

// --- Usage log ---

func (s *PostgresStore) AppendUsage(ctx context.Context, e model.UsageEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_events (id, site_id, resource, amount, strategy, recorded_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.SiteID, string(e.Resource), e.Amount, string(e.Strategy), e.RecordedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: append usage")
}

func (s *PostgresStore) UsageSince(ctx context.Context, since time.Time) ([]model.UsageEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, site_id, resource, amount, strategy, recorded_at FROM usage_events
		 WHERE recorded_at >= $1 ORDER BY recorded_at, id`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: usage since")
	}
	defer rows.Close()

	var out []model.UsageEvent
	for rows.Next() {
		var e model.UsageEvent
		var resource, strategy string
		if err := rows.Scan(&e.ID, &e.SiteID, &resource, &e.Amount, &strategy, &e.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan usage event")
		}
		e.Resource = model.ResourceType(resource)
		e.Strategy = model.ScrapeStrategy(strategy)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: usage since iterate")
}

// --- Sites ---

func (s *PostgresStore) SaveSites(ctx context.Context, sites []model.Site) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin sites tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, site := range sites {
		cfg, err := json.Marshal(site)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal site %s", site.ID)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO sites (id, config) VALUES ($1, $2)
			 ON CONFLICT (id) DO UPDATE SET config = $2`,
			site.ID, cfg,
		); err != nil {
			return eris.Wrapf(err, "postgres: save site %s", site.ID)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit sites")
}

func (s *PostgresStore) ListSites(ctx context.Context) ([]model.Site, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT config, status, last_scraped_at, vehicles_found FROM sites ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sites")
	}
	defer rows.Close()

	var out []model.Site
	for rows.Next() {
		var cfg []byte
		var status string
		var last *time.Time
		var found int
		if err := rows.Scan(&cfg, &status, &last, &found); err != nil {
			return nil, eris.Wrap(err, "postgres: scan site")
		}
		var lastAt time.Time
		if last != nil {
			lastAt = *last
		}
		site, err := decodeSite(cfg, status, lastAt, last != nil, found)
		if err != nil {
			return nil, err
		}
		out = append(out, site)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sites iterate")
}

func (s *PostgresStore) UpdateSiteHealth(ctx context.Context, h model.SiteHealth) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sites SET status = $1, last_scraped_at = $2, vehicles_found = $3 WHERE id = $4`,
		string(h.Status), h.LastScrapedAt.UTC(), h.VehiclesFound, h.SiteID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update site health %s", h.SiteID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("site not found: %s", h.SiteID)
	}
	return nil
}

func (s *PostgresStore) SaveBudget(ctx context.Context, b model.SiteBudget) error {
	data, err := json.Marshal(b)
	if err != nil {
		return eris.Wrapf(err, "postgres: marshal budget %s", b.SiteID)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO site_budgets (site_id, day, data) VALUES ($1, $2, $3)
		 ON CONFLICT (site_id, day) DO UPDATE SET data = $3`,
		b.SiteID, dayStart(b.Day), data,
	)
	return eris.Wrapf(err, "postgres: save budget %s", b.SiteID)
}

func (s *PostgresStore) LoadBudgets(ctx context.Context, day time.Time) ([]model.SiteBudget, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM site_budgets WHERE day = $1 ORDER BY site_id`, dayStart(day))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load budgets")
	}
	defer rows.Close()

	var out []model.SiteBudget
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan budget")
		}
		var b model.SiteBudget
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal budget")
		}
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: load budgets iterate")
}

// --- Documents ---

func (s *PostgresStore) SaveDocument(ctx context.Context, doc model.StoredDocument) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, site_id, url, content_hash, etag, last_modified, redacted_html, verdict, audit_only, fetched_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		doc.ID, doc.SiteID, doc.URL, doc.ContentHash, doc.ETag, doc.LastModified, doc.RedactedHTML,
		doc.Verdict, doc.AuditOnly, doc.FetchedAt.UTC(), doc.ExpiresAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save document %s", doc.URL)
}

func (s *PostgresStore) LatestDocument(ctx context.Context, url string) (*model.StoredDocument, error) {
	var d model.StoredDocument
	err := s.pool.QueryRow(ctx,
		`SELECT id, site_id, url, content_hash, etag, last_modified, redacted_html, verdict, audit_only, fetched_at, expires_at
		 FROM documents WHERE url = $1 ORDER BY fetched_at DESC LIMIT 1`, url,
	).Scan(&d.ID, &d.SiteID, &d.URL, &d.ContentHash, &d.ETag, &d.LastModified, &d.RedactedHTML,
		&d.Verdict, &d.AuditOnly, &d.FetchedAt, &d.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: latest document %s", url)
	}
	return &d, nil
}

func (s *PostgresStore) DeleteExpiredDocuments(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE expires_at <= $1`, before.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired documents")
	}
	return tag.RowsAffected(), nil
}

// --- Opportunities ---

func (s *PostgresStore) UpsertOpportunity(ctx context.Context, opp model.Opportunity) (bool, error) {
	listing, metrics, err := marshalOpportunity(opp)
	if err != nil {
		return false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: begin opportunity tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO opportunities (id, listing_url, content_hash, status, active, listing, metrics, scored_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (listing_url, content_hash) DO NOTHING`,
		opp.ID, opp.Listing.ListingURL, opp.ContentHash, string(opp.Status), opp.Active,
		listing, metrics, opp.ScoredAt.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert opportunity %s", opp.Listing.ListingURL)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE opportunities SET active = false WHERE listing_url = $1 AND content_hash <> $2`,
		opp.Listing.ListingURL, opp.ContentHash,
	); err != nil {
		return false, eris.Wrap(err, "postgres: deactivate superseded opportunities")
	}
	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "postgres: commit opportunity")
	}
	return true, nil
}

func (s *PostgresStore) ListOpportunities(ctx context.Context, filter OpportunityFilter) ([]model.Opportunity, error) {
	query := `SELECT id, content_hash, status, active, listing, metrics, scored_at FROM opportunities WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.ActiveOnly {
		query += ` AND active`
	}
	query += fmt.Sprintf(` ORDER BY scored_at DESC, id LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list opportunities")
	}
	defer rows.Close()

	var out []model.Opportunity
	for rows.Next() {
		var o model.Opportunity
		var status string
		var listing, metrics []byte
		if err := rows.Scan(&o.ID, &o.ContentHash, &status, &o.Active, &listing, &metrics, &o.ScoredAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan opportunity")
		}
		o.Status = model.OpportunityStatus(status)
		if err := unmarshalOpportunity(&o, listing, metrics); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list opportunities iterate")
}
