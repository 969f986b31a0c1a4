package main

import (
	"fmt"
	"os"

	"github.com/absfs/treecrypt"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML form of the engine settings. Zero values leave
// the engine default in place.
type fileConfig struct {
	Cipher            string `yaml:"cipher"`
	KDF               string `yaml:"kdf"`
	ChunkSize         int    `yaml:"chunk_size"`
	Workers           int    `yaml:"workers"`
	MinPasswordLength int    `yaml:"min_password_length"`
	MinPasswordScore  int    `yaml:"min_password_score"`
	RemoveSource      bool   `yaml:"remove_source"`
	Overwrite         bool   `yaml:"overwrite"`
	Verify            bool   `yaml:"verify"`
	Journal           string `yaml:"journal"`

	Argon2 struct {
		Time      uint32 `yaml:"time"`
		MemoryKiB uint32 `yaml:"memory_kib"`
		Threads   uint8  `yaml:"threads"`
	} `yaml:"argon2"`

	Scrypt struct {
		LogN uint8  `yaml:"log_n"`
		R    uint32 `yaml:"r"`
		P    uint32 `yaml:"p"`
	} `yaml:"scrypt"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	fc := &fileConfig{}
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return fc, nil
}

// applyFlags overrides file settings with every flag the user set
// explicitly.
func (fc *fileConfig) applyFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	var err error
	set := func(name string, fn func()) {
		if err == nil && flags.Lookup(name) != nil && flags.Changed(name) {
			fn()
		}
	}
	set("cipher", func() { fc.Cipher, err = flags.GetString("cipher") })
	set("kdf", func() { fc.KDF, err = flags.GetString("kdf") })
	set("chunk-size", func() { fc.ChunkSize, err = flags.GetInt("chunk-size") })
	set("workers", func() { fc.Workers, err = flags.GetInt("workers") })
	set("remove-source", func() { fc.RemoveSource, err = flags.GetBool("remove-source") })
	set("overwrite", func() { fc.Overwrite, err = flags.GetBool("overwrite") })
	set("verify", func() { fc.Verify, err = flags.GetBool("verify") })
	set("journal", func() { fc.Journal, err = flags.GetString("journal") })
	return err
}

// engineConfig turns the merged settings into an engine configuration.
func (fc *fileConfig) engineConfig() (*treecrypt.Config, error) {
	cfg := treecrypt.DefaultConfig()
	if fc.Cipher != "" {
		c, err := treecrypt.ParseCipherSuite(fc.Cipher)
		if err != nil {
			return nil, err
		}
		cfg.Cipher = c
	}
	if fc.KDF != "" {
		alg, err := treecrypt.ParseKDFAlgorithm(fc.KDF)
		if err != nil {
			return nil, err
		}
		cfg.KDF = treecrypt.DefaultKDFParams(alg)
	}
	switch cfg.KDF.Algorithm {
	case treecrypt.KDFArgon2id:
		if fc.Argon2.Time != 0 {
			cfg.KDF.Time = fc.Argon2.Time
		}
		if fc.Argon2.MemoryKiB != 0 {
			cfg.KDF.MemoryKiB = fc.Argon2.MemoryKiB
		}
		if fc.Argon2.Threads != 0 {
			cfg.KDF.Threads = fc.Argon2.Threads
		}
	case treecrypt.KDFScrypt:
		if fc.Scrypt.LogN != 0 {
			cfg.KDF.ScryptLogN = fc.Scrypt.LogN
		}
		if fc.Scrypt.R != 0 {
			cfg.KDF.ScryptR = fc.Scrypt.R
		}
		if fc.Scrypt.P != 0 {
			cfg.KDF.ScryptP = fc.Scrypt.P
		}
	}
	if fc.ChunkSize != 0 {
		cfg.ChunkSize = fc.ChunkSize
	}
	if fc.Workers != 0 {
		cfg.Workers = fc.Workers
	}
	if fc.MinPasswordLength != 0 {
		cfg.MinPasswordLength = fc.MinPasswordLength
	}
	cfg.MinPasswordScore = fc.MinPasswordScore
	cfg.RemoveSource = fc.RemoveSource
	cfg.Overwrite = fc.Overwrite
	cfg.VerifyWrites = fc.Verify

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
