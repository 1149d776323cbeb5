package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/airbusgeo/copernicus-downloader/common"
	"github.com/airbusgeo/copernicus-downloader/downloader"
	"github.com/airbusgeo/copernicus-downloader/service"
	"github.com/airbusgeo/copernicus-downloader/service/log"
	"github.com/airbusgeo/geocube/interface/messaging"
	"github.com/airbusgeo/geocube/interface/messaging/pgqueue"
	"github.com/airbusgeo/geocube/interface/messaging/pubsub"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxTries = 15

func newMessaging(ctx context.Context, config *config) (messaging.Consumer, messaging.Publisher, func(), string, error) {
	var jobConsumer messaging.Consumer
	var eventPublisher messaging.Publisher
	var logMessaging string
	var stops []func()
	stop := func() {
		for _, s := range stops {
			s()
		}
	}

	if config.PgqDbConnection != "" {
		db, w, err := pgqueue.SqlConnect(ctx, config.PgqDbConnection)
		if err != nil {
			return nil, nil, stop, "", fmt.Errorf("MessagingService: %w", err)
		}
		logMessaging += fmt.Sprintf(" pulling on pgqueue:%s", config.JobQueue)
		consumer := pgqueue.NewConsumer(db, config.JobQueue)
		stops = append(stops, func() { consumer.Stop() })
		jobConsumer = consumer

		logMessaging += fmt.Sprintf(" pushing on pgqueue:%s", config.EventQueue)
		eventPublisher = pgqueue.NewPublisher(w, config.EventQueue, pgqueue.WithMaxRetries(5))
	} else {
		var err error
		logMessaging += fmt.Sprintf(" pulling on pubsub:%s/%s", config.PsProject, config.JobQueue)
		if jobConsumer, err = pubsub.NewConsumer(config.PsProject, config.JobQueue); err != nil {
			return nil, nil, stop, "", fmt.Errorf("pubsub.NewConsumer: %w", err)
		}
		logMessaging += fmt.Sprintf(" pushing on pubsub:%s/%s", config.PsProject, config.EventQueue)
		eventTopic, err := pubsub.NewPublisher(ctx, config.PsProject, config.EventQueue, pubsub.WithMaxRetries(5))
		if err != nil {
			return nil, nil, stop, "", fmt.Errorf("pubsub.NewPublisher: %w", err)
		}
		stops = append(stops, func() { eventTopic.Stop() })
		eventPublisher = eventTopic
	}
	return jobConsumer, eventPublisher, stop, logMessaging, nil
}

// statusServer serves the termination cost of the current job and the health of the worker
func statusServer(ctx context.Context, port string, jobStarted *atomic.Int64) *http.Server {
	r := mux.NewRouter()
	r.HandleFunc("/termination_cost", func(w http.ResponseWriter, r *http.Request) {
		terminationCost := 0
		if started := jobStarted.Load(); started != 0 {
			terminationCost = int(time.Since(time.Unix(0, started)).Milliseconds()) // milliseconds since job was leased
		}
		fmt.Fprintf(w, "%d", terminationCost)
	}).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	}).Methods(http.MethodGet)

	s := &http.Server{
		Addr:    ":" + port,
		Handler: handlers.RecoveryHandler()(handlers.LoggingHandler(os.Stdout, r)),
	}
	go func() {
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger(ctx).Error("statusServer.ListenAndServe", zap.Error(err))
		}
	}()
	return s
}

func runWorker(ctx context.Context, config *config, dl *downloader.Downloader, exporter service.Exporter, opts downloader.Options) error {
	jobConsumer, eventPublisher, stop, logMessaging, err := newMessaging(ctx, config)
	defer stop()
	if err != nil {
		return err
	}

	var jobStarted atomic.Int64
	s := statusServer(ctx, config.AppPort, &jobStarted)
	defer func() {
		sctx, cncl := context.WithTimeout(context.Background(), 10*time.Second)
		defer cncl()
		s.Shutdown(sctx)
	}()

	log.Logger(ctx).Debug("downloader starts" + logMessaging)
	for ctx.Err() == nil {
		err := jobConsumer.Pull(ctx, func(ctx context.Context, msg *messaging.Message) (err error) {
			jobStarted.Store(time.Now().UnixNano())
			defer jobStarted.Store(0)
			ctx = log.With(ctx, "msgID", msg.ID)
			log.Logger(log.With(ctx, "body", string(msg.Data))).Sugar().Debugf("message %s try %d", msg.ID, msg.TryCount)

			job := common.Job{}
			if err := json.Unmarshal(msg.Data, &job); err != nil {
				return fmt.Errorf("invalid payload: %w", err)
			}
			if len(job.Products) == 0 {
				return fmt.Errorf("invalid payload: no products")
			}
			if job.ID == "" {
				job.ID = uuid.New().String()
			}
			ctx = log.With(ctx, "job", job.ID)

			result := common.JobResult{ID: job.ID, Status: common.StatusRETRY}
			defer func() {
				if err != nil && service.Temporary(err) {
					log.Logger(ctx).Warn("job temporary failure", zap.Error(err))
					return
				}
				if err != nil {
					log.Logger(ctx).Warn("job failed", zap.Error(err))
					result.Status = common.StatusFAILED
					result.Message = err.Error()
				}
				resb, e := json.Marshal(result)
				if e != nil {
					err = service.MakeTemporary(fmt.Errorf("marshal: %w", e))
				} else if e := eventPublisher.Publish(ctx, resb); e != nil {
					err = service.MakeTemporary(fmt.Errorf("failed to enqueue result: %w", e))
				}
			}()
			if msg.TryCount > maxTries {
				return fmt.Errorf("too many retries")
			}

			if err := processJob(ctx, dl, exporter, opts, job, &result); err != nil {
				if msg.TryCount >= maxTries {
					return fmt.Errorf("too many retries: %w", err)
				}
				return err
			}
			log.Logger(ctx).Sugar().Infof("successfully processed job %s: %d/%d product(s)", job.ID, len(result.Paths), len(job.Products))
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("ps.process: %w", err)
		}
	}
	return nil
}

// processJob downloads (and exports) the products of the job and fills the result
func processJob(ctx context.Context, dl *downloader.Downloader, exporter service.Exporter, opts downloader.Options, job common.Job, result *common.JobResult) error {
	if job.Extract != nil {
		opts.Extract = job.Extract
	}
	paths, err := dl.DownloadAll(ctx, job.Products, 0, 0, opts)
	if err != nil {
		return service.MakeTemporary(err)
	}
	if exporter != nil {
		if paths, err = export(ctx, exporter, job.Products); err != nil {
			return err
		}
	}
	result.Paths = paths
	for _, product := range job.Products {
		if _, ok := product.LocalPath(); !ok {
			result.Missing = append(result.Missing, product.ID)
		}
	}
	result.Status = common.StatusDONE
	if len(result.Missing) > 0 {
		result.Message = fmt.Sprintf("%d product(s) not available", len(result.Missing))
	}
	return nil
}
