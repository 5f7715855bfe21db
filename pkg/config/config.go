package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port             string `envconfig:"PORT" default:"8080"`
	AWSRegion        string `envconfig:"AWS_REGION" default:"us-east-1"`
	DynamoDBEndpoint string `envconfig:"DYNAMODB_ENDPOINT" default:""` // DynamoDB Local endpoint

	OrderTableName     string `envconfig:"ORDER_TABLE_NAME" default:"pedidos"`
	InventoryTableName string `envconfig:"INVENTORY_TABLE_NAME" default:"bodega"`
	AuditTableName     string `envconfig:"AUDIT_TABLE_NAME" default:"auditoria"`
	ReportTableName    string `envconfig:"REPORT_TABLE_NAME" default:"reportes"`

	KafkaBrokers  string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	ConsumerGroup string `envconfig:"CONSUMER_GROUP" default:"pedidos-pipeline"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Audit signing. Mode selects "ed25519" (signing seed as 64 hex chars)
	// or "hmac-sha256" (shared secret).
	AuditSigningMode   string `envconfig:"AUDIT_SIGNING_MODE" default:"hmac-sha256"`
	AuditSigningSecret string `envconfig:"AUDIT_SIGNING_SECRET" default:""`
	AuditEd25519Seed   string `envconfig:"AUDIT_ED25519_SEED" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if cfg.AuditSigningMode == "hmac-sha256" && cfg.AuditSigningSecret == "" {
		return nil, fmt.Errorf("AUDIT_SIGNING_SECRET is required in hmac-sha256 mode")
	}
	if cfg.AuditSigningMode == "ed25519" && cfg.AuditEd25519Seed == "" {
		return nil, fmt.Errorf("AUDIT_ED25519_SEED is required in ed25519 mode")
	}
	return &cfg, nil
}

// Brokers splits the comma-separated broker list.
func (c *Config) Brokers() []string {
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
