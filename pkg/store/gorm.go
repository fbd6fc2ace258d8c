package store

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// record is one desired-state document. Keys mirror the Consul layout so the
// two backends stay interchangeable.
type record struct {
	K   string `gorm:"primaryKey;size:512;column:k"`
	Doc []byte `gorm:"type:mediumblob"`
}

type gormKV struct {
	db *gorm.DB
}

// NewMySQL connects to MySQL and runs migrations.
// Env: MYSQL_DSN or MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASS, MYSQL_DB.
func NewMySQL() (Store, error) {
	host := getenv("MYSQL_HOST", "127.0.0.1")
	port := getenv("MYSQL_PORT", "3306")
	user := getenv("MYSQL_USER", "root")
	pass := getenv("MYSQL_PASS", "")
	dbname := getenv("MYSQL_DB", "netlab")

	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local", user, pass, host, port, dbname)
	}

	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
	db, err := gorm.Open(mysql.Open(dsn), cfg)
	if err != nil {
		if strings.Contains(err.Error(), "Unknown database") {
			if cerr := createDatabase(user, pass, host, port, dbname); cerr != nil {
				return nil, fmt.Errorf("create database failed: %w", cerr)
			}
			db, err = gorm.Open(mysql.Open(dsn), cfg)
			if err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	}
	sqlDB, _ := db.DB()
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, err
	}
	return &docStore{kv: &gormKV{db: db}}, nil
}

func createDatabase(user, pass, host, port, dbname string) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/", user, pass, host, port)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` DEFAULT CHARACTER SET utf8mb4", dbname))
	return err
}

func (g *gormKV) put(key string, doc []byte) error {
	rec := record{K: key, Doc: doc}
	return g.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "k"}},
		DoUpdates: clause.AssignmentColumns([]string{"doc"}),
	}).Create(&rec).Error
}

func (g *gormKV) get(key string) ([]byte, bool, error) {
	var rec record
	err := g.db.Take(&rec, "k = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec.Doc, true, nil
}

func (g *gormKV) list(prefix string) (map[string][]byte, error) {
	var recs []record
	pattern := likeEscape(prefix) + "%"
	if err := g.db.Find(&recs, "k LIKE ?", pattern).Error; err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(recs))
	for _, r := range recs {
		out[r.K] = r.Doc
	}
	return out, nil
}

func (g *gormKV) del(key string) error {
	return g.db.Delete(&record{}, "k = ?", key).Error
}

// update takes a row lock so concurrent counter bumps serialize.
func (g *gormKV) update(key string, fn func([]byte) ([]byte, error)) error {
	return g.db.Transaction(func(tx *gorm.DB) error {
		var rec record
		var cur []byte
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&rec, "k = ?", key).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			cur = nil
		case err != nil:
			return err
		default:
			cur = rec.Doc
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		rec = record{K: key, Doc: next}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "k"}},
			DoUpdates: clause.AssignmentColumns([]string{"doc"}),
		}).Create(&rec).Error
	})
}

func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
