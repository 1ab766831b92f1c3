package main

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"taskboard/config"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	connStr := cfg.Storage.ConnectionString
	if connStr == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}
	log.WithFields(log.Fields{"table": cfg.Storage.Table, "queue": cfg.Events.Queue}).Info("storage init starting")

	ctx := context.Background()
	if err := createTable(ctx, connStr, cfg.Storage.Table); err != nil {
		log.Fatalf("create table: %v", err)
	}
	if err := createQueue(ctx, connStr, cfg.Events.Queue); err != nil {
		log.Fatalf("create queue: %v", err)
	}
	log.Info("storage init complete")
}

func createTable(ctx context.Context, connStr, name string) error {
	if name == "" {
		return nil
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	if _, err := svc.NewClient(name).CreateTable(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
			return err
		}
		log.WithField("table", name).Debug("table already exists")
	}
	return nil
}

func createQueue(ctx context.Context, connStr, name string) error {
	if name == "" {
		return nil
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
	if err != nil {
		return err
	}
	if _, err := q.Create(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
			return err
		}
		log.WithField("queue", name).Debug("queue already exists")
	}
	return nil
}
