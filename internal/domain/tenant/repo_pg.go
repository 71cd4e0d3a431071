package tenant

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medmart/telehealth/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
	tx   db.TxRunner
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool, tx: db.NewTxRunner(pool)}
}

const businessSelect = `
	SELECT b.id, b.slug, b.name, b.status, b.config, b.created_at, b.updated_at,
		COALESCE(array_agg(d.domain ORDER BY d.domain) FILTER (WHERE d.domain IS NOT NULL), '{}')
	FROM business b
	LEFT JOIN business_domain d ON d.business_id = b.id`

func scanBusiness(row pgx.Row) (*Business, error) {
	var b Business
	var status string
	if err := row.Scan(&b.ID, &b.Slug, &b.Name, &status, &b.Config, &b.CreatedAt, &b.UpdatedAt, &b.Domains); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrBusinessNotFound
		}
		return nil, err
	}
	b.Status = Status(status)
	return &b, nil
}

func (r *repoPG) Create(ctx context.Context, b *Business) error {
	return r.tx.WithinTx(ctx, func(ctx context.Context) error {
		q := db.Conn(ctx, r.pool)
		config := b.Config
		if config == nil {
			config = map[string]any{}
		}
		err := q.QueryRow(ctx, `
			INSERT INTO business (id, slug, name, status, config)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at, updated_at`,
			b.ID, b.Slug, b.Name, string(b.Status), config,
		).Scan(&b.CreatedAt, &b.UpdatedAt)
		if err != nil {
			if db.IsUniqueViolation(err, "business_slug_uniq") {
				return ErrSlugTaken
			}
			return fmt.Errorf("insert business: %w", err)
		}

		for _, d := range b.Domains {
			if _, err := q.Exec(ctx,
				`INSERT INTO business_domain (domain, business_id) VALUES ($1, $2)`, d, b.ID,
			); err != nil {
				if db.IsUniqueViolation(err) {
					return ErrDomainTaken
				}
				return fmt.Errorf("insert business domain: %w", err)
			}
		}
		return nil
	})
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Business, error) {
	return scanBusiness(db.Conn(ctx, r.pool).QueryRow(ctx,
		businessSelect+` WHERE b.id = $1 GROUP BY b.id`, id))
}

func (r *repoPG) GetBySlug(ctx context.Context, slug string) (*Business, error) {
	return scanBusiness(db.Conn(ctx, r.pool).QueryRow(ctx,
		businessSelect+` WHERE b.slug = $1 GROUP BY b.id`, slug))
}

func (r *repoPG) GetByDomain(ctx context.Context, domain string) (*Business, error) {
	return scanBusiness(db.Conn(ctx, r.pool).QueryRow(ctx,
		businessSelect+` WHERE b.id = (SELECT business_id FROM business_domain WHERE domain = $1) GROUP BY b.id`, domain))
}

func (r *repoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Business, error) {
	q := db.Conn(ctx, r.pool)
	tag, err := q.Exec(ctx, `
		UPDATE business SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`, id, string(from), string(to))
	if err != nil {
		return nil, fmt.Errorf("update business status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrStatusConflict
	}
	return r.GetByID(ctx, id)
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Business, int, error) {
	q := db.Conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM business`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count businesses: %w", err)
	}

	rows, err := q.Query(ctx, businessSelect+` GROUP BY b.id ORDER BY b.created_at LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list businesses: %w", err)
	}
	defer rows.Close()

	var out []*Business
	for rows.Next() {
		b, err := scanBusiness(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, b)
	}
	return out, total, rows.Err()
}
