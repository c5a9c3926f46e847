package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type ConfigSuite struct{}

func TestConfig(t *testing.T) {
	suite.RunTests(t, &ConfigSuite{})
}

func (ConfigSuite) TestDefaultConfig(t *testing.T) {
	c := defaultConfig()
	expect.Equal(t, DefaultListenAddress, c.ListenAddress)
	expect.Equal(t, DefaultPort, c.Port)
	expect.True(t, !c.Log)
	expect.Equal(t, "debugger", c.LogOutput)
}

func (ConfigSuite) TestFilePathJoinsConfigDir(t *testing.T) {
	p, err := FilePath("rdbgd.yml")
	expect.Nil(t, err)
	expect.True(t, strings.HasSuffix(p, filepath.Join(configDirName, "rdbgd.yml")))
}

func (ConfigSuite) TestCreateDefaultWritesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rdbgd.yml")

	f, err := createDefault(path)
	expect.Nil(t, err)
	defer f.Close()

	var c Config
	expect.Nil(t, yaml.NewDecoder(f).Decode(&c))
	expect.Equal(t, defaultConfig(), c)

	raw, err := os.ReadFile(path)
	expect.Nil(t, err)
	expect.True(t, strings.Contains(string(raw), "listen-address"))
}
