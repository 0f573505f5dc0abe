package dbconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/rds/auth"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/slotservice/internal/config"
)

// NewStaticConnector возвращает функцию подключения по фиксированным
// логину и паролю из DSN. Используется для административных операций
// (миграции, провижининг) и локальной разработки.
func NewStaticConnector(dsn string) (ConnectFunc, error) {
	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database URI: %w", err)
	}

	return func(ctx context.Context) (Conn, error) {
		conn, err := pgx.ConnectConfig(ctx, connCfg)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		return conn, nil
	}, nil
}

// NewIAMConnector возвращает функцию подключения с IAM-аутентификацией:
// на каждую попытку генерируется свежий краткоживущий токен, соединение
// устанавливается по TLS с доверенным сертификатом из локального бандла.
// Токены нельзя кэшировать между попытками.
func NewIAMConnector(ctx context.Context, cfg *config.Config) (ConnectFunc, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	tlsCfg, err := pinnedTLSConfig(cfg.DBCACert, cfg.DBHost)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s:%d", cfg.DBHost, cfg.DBPort)

	connCfg, err := pgx.ParseConfig(fmt.Sprintf("postgres://%s@%s/%s", cfg.DBUser, endpoint, cfg.DBName))
	if err != nil {
		return nil, fmt.Errorf("build connection config: %w", err)
	}
	connCfg.TLSConfig = tlsCfg

	return func(ctx context.Context) (Conn, error) {
		token, err := auth.BuildAuthToken(ctx, endpoint, cfg.AWSRegion, cfg.DBUser, awsCfg.Credentials)
		if err != nil {
			return nil, fmt.Errorf("build auth token: %w", err)
		}

		attemptCfg := connCfg.Copy()
		attemptCfg.Password = token

		conn, err := pgx.ConnectConfig(ctx, attemptCfg)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		return conn, nil
	}, nil
}

func pinnedTLSConfig(caCertPath, host string) (*tls.Config, error) {
	if caCertPath == "" {
		return nil, fmt.Errorf("iam auth mode requires DB_CA_CERT")
	}

	pem, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caCertPath)
	}

	return &tls.Config{
		RootCAs:    pool,
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}, nil
}
