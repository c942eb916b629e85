package config

const (
	StoreLocal = "local"
	StoreS3    = "s3"

	PrimaryStoreName = "primary"
)

type ContentConfig struct {
	Root           string         `yaml:"root" env:"HUGEFS_CONTENT_ROOT"`
	VerifyOnInsert *bool          `yaml:"verify_on_insert"`
	Primary        *MirrorConfig  `yaml:"primary"`
	Mirrors        []MirrorConfig `yaml:"mirrors"`
}

// VerifiesOnInsert defaults to true when the key is absent.
func (c ContentConfig) VerifiesOnInsert() bool {
	if c.VerifyOnInsert == nil {
		return true
	}
	return *c.VerifyOnInsert
}

// MirrorConfig describes one object store. The primary store defaults to
// a local store under Root/objects.
type MirrorConfig struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	Path      string `yaml:"path"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}
