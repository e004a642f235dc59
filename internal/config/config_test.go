package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type ConfigTestSuite struct {
	suite.Suite
	dir string
}

func (s *ConfigTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (s *ConfigTestSuite) write(content string) string {
	path := filepath.Join(s.dir, "config.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600))
	return path
}

func (s *ConfigTestSuite) TestLoad_Defaults() {
	cfg, err := Load(s.write("log_level: debug\n"))
	s.Require().NoError(err)

	s.Equal("sqlite", cfg.Database.Driver)
	s.Equal("storysync.db", cfg.Database.DSN())
	s.Equal(10, cfg.API.PageSize)
	s.Equal(30*time.Second, cfg.API.Timeout)
	s.Equal(1, cfg.API.Retry.MaxAttempts)
	s.Equal(5*time.Minute, cfg.Sync.Interval)
	s.Equal(5, cfg.Sync.PrefetchDistance)
	s.Equal(int64(1024*1024), cfg.Upload.MaxPhotoBytes)
	s.False(cfg.RabbitMQ.Enabled)
	s.Equal("debug", cfg.LogLevel)
}

func (s *ConfigTestSuite) TestLoad_ExpandsEnv() {
	s.T().Setenv("STORY_TEST_EMAIL", "reader@example.com")
	s.T().Setenv("STORY_TEST_DB_PASSWORD", "secret")

	cfg, err := Load(s.write(`
database:
  driver: postgres
  host: db
  user: story
  password: ${STORY_TEST_DB_PASSWORD}
  dbname: stories
auth:
  email: ${STORY_TEST_EMAIL}
api:
  page_size: 20
  timeout: 5s
`))
	s.Require().NoError(err)

	s.Equal("reader@example.com", cfg.Auth.Email)
	s.Equal(20, cfg.API.PageSize)
	s.Equal(5*time.Second, cfg.API.Timeout)
	s.Equal("host=db port=5432 user=story password=secret dbname=stories sslmode=disable", cfg.Database.DSN())
}

func (s *ConfigTestSuite) TestLoad_UnsupportedDriver() {
	_, err := Load(s.write("database:\n  driver: mysql\n"))
	s.Error(err)
	s.Contains(err.Error(), "unsupported database driver")
}

func (s *ConfigTestSuite) TestLoad_MissingFile() {
	_, err := Load(filepath.Join(s.dir, "missing.yaml"))
	s.Error(err)
	s.Contains(err.Error(), "read config file")
}
