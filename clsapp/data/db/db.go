package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"gopkg.in/guregu/null.v4"

	"github.com/harrison-roh/sketch-classification/clsapp/data/retry"
)

var (
	// ErrNotFound 조건에 맞는 항목이 없음
	ErrNotFound = errors.New("item not found")
	// ErrAttribute 집계할 수 없는 속성
	ErrAttribute = errors.New("unknown attribute")
)

// Config DBconn config
type Config struct {
	DriverName string
	ConnInfo   string

	TableName string

	PingTimeout     time.Duration
	IdleConnections int
	MaxConnections  int
	ConnLifeTime    time.Duration

	Retry retry.Policy
}

// DBconn db 연결정보
type DBconn struct {
	DriverName string
	TableName  string

	db    *sql.DB
	retry retry.Policy
}

// Item 데이터 항목
type Item struct {
	ID        string      `json:"id"`
	Label     string      `json:"label"`
	Filename  string      `json:"filename"`
	Mode      null.String `json:"mode"`
	Username  null.String `json:"username"`
	IsMobile  null.Bool   `json:"isMobile"`
	IsCustom  null.Bool   `json:"isCustom"`
	CreatedAt time.Time   `json:"createdAt"`
}

const columns = "id, label, filename, modename, username, is_mobile, is_custom, created_at"

// 집계 가능한 속성과 컬럼
var attributeColumns = map[string]string{
	"label":    "label",
	"filename": "filename",
	"mode":     "modename",
	"modename": "modename",
	"username": "username",
}

// NewID 새로운 항목 id
func NewID() string {
	return uuid.New().String()
}

// rebind ? 자리표시자를 드라이버에 맞게 변환
func rebind(driverName, query string) string {
	if driverName != "pgx" {
		return query
	}

	var (
		b strings.Builder
		n int
	)
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}

	return b.String()
}

func (conn *DBconn) query(q string) string {
	return rebind(conn.DriverName, fmt.Sprintf(q, conn.TableName))
}

func (conn *DBconn) createTable(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE %s (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		label VARCHAR(128) NOT NULL,
		filename VARCHAR(255) NOT NULL,
		modename VARCHAR(64) NULL,
		username VARCHAR(128) NULL,
		is_mobile BOOLEAN NULL,
		is_custom BOOLEAN NULL,
		created_at TIMESTAMP NOT NULL);`,
		"CREATE INDEX %[1]s_label_idx ON %[1]s (label);",
		"CREATE INDEX %[1]s_modename_idx ON %[1]s (modename);",
	}

	for _, stmt := range stmts {
		if _, err := conn.db.ExecContext(ctx, fmt.Sprintf(stmt, conn.TableName)); err != nil {
			return err
		}
	}

	return nil
}

func (conn *DBconn) existsTable(ctx context.Context) bool {
	rows, err := conn.db.QueryContext(ctx, conn.query("SELECT 1 FROM %s LIMIT 1;"))
	if err != nil {
		return false
	}
	rows.Close()

	return true
}

func (conn *DBconn) initTable(ctx context.Context) error {
	if !conn.existsTable(ctx) {
		return conn.createTable(ctx)
	}

	return nil
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(
			&item.ID,
			&item.Label,
			&item.Filename,
			&item.Mode,
			&item.Username,
			&item.IsMobile,
			&item.IsCustom,
			&item.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

func (conn *DBconn) selectItems(ctx context.Context, q string, args ...interface{}) ([]Item, error) {
	var items []Item

	err := conn.retry.Do(ctx, func() error {
		rows, err := conn.db.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}

		items, err = scanItems(rows)
		return err
	})

	return items, err
}

// ListItems 전체 항목 반환
func (conn *DBconn) ListItems(ctx context.Context) ([]Item, error) {
	return conn.selectItems(ctx, conn.query("SELECT "+columns+" FROM %s ORDER BY created_at, id;"))
}

// GetByLabel label 이 같은 첫번째 항목 반환
func (conn *DBconn) GetByLabel(ctx context.Context, label string) (Item, error) {
	items, err := conn.selectItems(ctx,
		conn.query("SELECT "+columns+" FROM %s WHERE label = ? ORDER BY created_at, id LIMIT 1;"),
		label)
	if err != nil {
		return Item{}, err
	}

	if len(items) == 0 {
		return Item{}, fmt.Errorf("%w: label %s in %s", ErrNotFound, label, conn.TableName)
	}

	return items[0], nil
}

// GetRandom mode 에 속한 임의의 항목 반환, mode 가 "all" 이면 전체에서 선택
func (conn *DBconn) GetRandom(ctx context.Context, mode string) (Item, error) {
	var (
		items []Item
		err   error
	)
	if mode == "" || mode == "all" {
		items, err = conn.ListItems(ctx)
	} else {
		items, err = conn.selectItems(ctx,
			conn.query("SELECT "+columns+" FROM %s WHERE modename = ? ORDER BY created_at, id;"),
			mode)
	}
	if err != nil {
		return Item{}, err
	}

	if len(items) == 0 {
		return Item{}, fmt.Errorf("%w: mode %s in %s", ErrNotFound, mode, conn.TableName)
	}

	return items[rand.Intn(len(items))], nil
}

// CountByAttribute 속성값별 항목 수
func (conn *DBconn) CountByAttribute(ctx context.Context, attr string) (map[string]int, error) {
	col, ok := attributeColumns[attr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAttribute, attr)
	}

	q := conn.query(fmt.Sprintf("SELECT %[1]s, COUNT(*) FROM %%s WHERE %[1]s IS NOT NULL GROUP BY %[1]s;", col))

	var counts map[string]int
	err := conn.retry.Do(ctx, func() error {
		rows, err := conn.db.QueryContext(ctx, q)
		if err != nil {
			return err
		}
		defer rows.Close()

		counts = make(map[string]int)
		for rows.Next() {
			var (
				value string
				count int
			)
			if err := rows.Scan(&value, &count); err != nil {
				return err
			}
			counts[value] = count
		}

		return rows.Err()
	})

	return counts, err
}

// Insert 항목 삽입, 재시도하지 않음
func (conn *DBconn) Insert(ctx context.Context, item Item) error {
	if item.ID == "" {
		item.ID = NewID()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	_, err := conn.db.ExecContext(ctx,
		conn.query("INSERT INTO %s ("+columns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?);"),
		item.ID, item.Label, item.Filename, item.Mode, item.Username,
		item.IsMobile, item.IsCustom, item.CreatedAt,
	)

	return err
}

// Delete id 목록에 해당하는 항목 삭제
func (conn *DBconn) Delete(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	res, err := conn.db.ExecContext(ctx,
		conn.query("DELETE FROM %s WHERE id IN ("+placeholders+");"), args...)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// Destroy db connection 해제
func (conn *DBconn) Destroy() error {
	return conn.db.Close()
}

// New 새로운 db connection 생성
func New(ctx context.Context, cfg Config) (*DBconn, error) {
	db, err := sql.Open(cfg.DriverName, cfg.ConnInfo)
	if err != nil {
		return nil, err
	}

	if cfg.IdleConnections > 0 {
		db.SetMaxIdleConns(cfg.IdleConnections)
	}
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.ConnLifeTime > 0 {
		db.SetConnMaxLifetime(cfg.ConnLifeTime)
	}

	if cfg.PingTimeout > 0 {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, err
		}
	}

	conn := &DBconn{
		DriverName: cfg.DriverName,
		TableName:  cfg.TableName,
		db:         db,
		retry:      cfg.Retry,
	}

	if err := conn.initTable(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return conn, nil
}
