package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethernity-cloud/etny-agent/pkg/cache"
	"github.com/ethernity-cloud/etny-agent/pkg/market"
	"github.com/ethernity-cloud/etny-agent/pkg/metrics"
)

const (
	// orderRetryCap bounds how often a crashing order is re-attempted
	// before a failure result is submitted instead.
	orderRetryCap = 10

	orderDownloadAttempts = 5
	orderDownloadDelay    = 3 * time.Second

	resultWaitTimeout      = time.Hour
	transactionWaitTimeout = time.Minute
)

// processOrder runs one approved order through the enclave stack:
// download the referenced content, stage the compose environment, run
// the enclave, and submit the result on-chain.
func (w *Worker) processOrder(ctx context.Context, orderID uint64, meta *market.DOMetadata) error {
	w.logger.Debug().Uint64("order", orderID).Msg("processing order")
	start := time.Now()

	order, meta, err := w.orderAndMetadata(ctx, orderID, meta)
	if err != nil {
		return err
	}

	attempts := w.bumpOrderRetries(orderID)
	if attempts > 1 {
		metrics.OrderRetries.WithLabelValues(w.net.Name).Inc()
	}
	if attempts > orderRetryCap {
		w.logger.Warn().Uint64("order", orderID).Int("attempts", attempts).Msg("too many retries for the current order")
		if err := w.submitResult(ctx, orderID, "[Warn] Order execution failed more than 10 times"); err != nil {
			return err
		}
		w.settleDPRequest(order.DPReq)
		w.clearOrderRetries()
		metrics.OrdersFailed.WithLabelValues(w.net.Name).Inc()
		return nil
	}

	spec, err := market.ParseImageSpec(meta.ImageSpec)
	if err != nil {
		return fmt.Errorf("unsupported image spec: %w", err)
	}
	payloadCID, err := market.ContentRef(meta.Payload)
	if err != nil {
		return fmt.Errorf("malformed payload reference: %w", err)
	}
	var inputCID string
	if meta.Input != "" {
		if c, err := market.ContentRef(meta.Input); err == nil {
			inputCID = c
		}
	}

	cids := []string{spec.ImageCID, spec.ComposeCID, spec.ChallengeCID, payloadCID}
	if inputCID != "" {
		cids = append(cids, inputCID)
	}

	w.logger.Info().Uint64("do_req", order.DOReq).Msg("fetching task data for DO request")
	if !w.content.DownloadMany(ctx, cids, orderDownloadAttempts, orderDownloadDelay) {
		w.logger.Info().Msg("cannot download order content, cancelling processing")
		if err := w.submitResult(ctx, orderID, "Error: cannot download files from IPFS"); err != nil {
			return err
		}
		w.settleDPRequest(order.DPReq)
		metrics.OrdersFailed.WithLabelValues(w.net.Name).Inc()
		return nil
	}

	w.logger.Info().Msg("task preloaded, preparing docker environment")
	if err := w.engine.ComposeUp(ctx, swiftStreamCompose); err != nil {
		w.logger.Warn().Err(err).Msg("failed to start swift-stream sidecar")
	}

	challenge, err := os.ReadFile(filepath.Join(w.paths.NetBase, spec.ChallengeCID))
	if err != nil {
		return fmt.Errorf("failed to read challenge file: %w", err)
	}

	bucket := spec.ImageName + "-v3"
	label := strconv.FormatUint(orderID, 10)
	composePath, err := w.buildOrderPrerequisites(ctx, bucket, label, orderID, spec, payloadCID, inputCID, string(challenge))
	if err != nil {
		return fmt.Errorf("failed to prepare order environment: %w", err)
	}

	w.resetEnclaveStack(ctx, filepath.Join(w.paths.NetBase, spec.ImageCID))

	if err := w.engine.ComposeDown(ctx, composePath); err != nil {
		w.logger.Debug().Err(err).Msg("no previous enclave stack to stop")
	}
	if err := w.engine.ComposeUp(ctx, composePath); err != nil {
		return fmt.Errorf("failed to start enclave stack: %w", err)
	}

	w.logger.Info().Msg("docker environment ready, execution started in SGX enclave")
	finished := w.waitForObject(ctx, bucket, "result.txt", resultWaitTimeout) &&
		w.waitForObject(ctx, bucket, "transaction.txt", transactionWaitTimeout)
	w.logger.Info().Msg("enclave finished the execution")

	if finished {
		err = w.submitEnclaveResult(ctx, orderID, order.DOReq, bucket, label, start)
	} else {
		w.logger.Info().Msg("enclave execution timed out")
		err = w.submitResult(ctx, orderID, market.FormatResult("Task execution timed out", "[WARN]"))
		metrics.OrdersFailed.WithLabelValues(w.net.Name).Inc()
	}
	if err != nil {
		w.teardownOrder(ctx, composePath)
		return err
	}

	w.settleDPRequest(order.DPReq)
	w.clearOrderRetries()
	w.logger.Debug().Msg("cleaning up SecureLock and TrustedZone containers")
	w.teardownOrder(ctx, composePath)
	return nil
}

// bumpOrderRetries advances the order's attempt counter in the retry
// ledger and returns the new count. A record left behind by a
// different order is discarded first.
func (w *Worker) bumpOrderRetries(orderID uint64) int {
	rec, ok := w.retryLedger.Get(orderID)
	if !ok {
		rec = cache.RetryRecord{OrderID: orderID, UUID: w.uuid}
	}
	rec.RetryCounter++
	if err := w.retryLedger.Put(rec); err != nil {
		w.logger.Warn().Err(err).Msg("failed to persist retry ledger")
	}
	return rec.RetryCounter
}

// clearOrderRetries empties the retry ledger once an order is
// terminally resolved, meaning a result landed on-chain.
func (w *Worker) clearOrderRetries() {
	if err := w.retryLedger.Clear(); err != nil {
		w.logger.Warn().Err(err).Msg("failed to clear retry ledger")
	}
}

// orderAndMetadata reads the order and, when the caller did not pass
// it, the DO request metadata, retrying until the chain answers.
func (w *Worker) orderAndMetadata(ctx context.Context, orderID uint64, meta *market.DOMetadata) (*market.Order, *market.DOMetadata, error) {
	for ctx.Err() == nil {
		w.rpcPause()
		order, err := w.chain.GetOrder(ctx, orderID)
		if err == nil {
			if meta != nil {
				return order, meta, nil
			}
			w.rpcPause()
			m, merr := w.chain.GetDORequestMetadata(ctx, order.DOReq)
			if merr == nil {
				return order, m, nil
			}
			err = merr
		}
		w.logger.Warn().Err(err).Msg("unable to get order metadata, retrying")
	}
	return nil, nil, ctx.Err()
}

// buildOrderPrerequisites stages the enclave control bucket and compose
// working directory for one order.
func (w *Worker) buildOrderPrerequisites(ctx context.Context, bucket, label string, orderID uint64, spec *market.ImageSpec, payloadCID, inputCID, challenge string) (string, error) {
	w.logger.Debug().Str("bucket", bucket).Msg("recreating enclave control bucket")
	if err := w.store.RecreateBucket(ctx, bucket); err != nil {
		return "", err
	}

	composePath, err := w.prepareOrderCompose(label, spec.ComposeCID)
	if err != nil {
		return "", err
	}

	if err := w.store.PutFile(ctx, bucket, "payload.etny", filepath.Join(w.paths.NetBase, payloadCID)); err != nil {
		return "", err
	}
	if inputCID == "" {
		err = w.store.PutString(ctx, bucket, "input.txt", "")
	} else {
		err = w.store.PutFile(ctx, bucket, "input.txt", filepath.Join(w.paths.NetBase, inputCID))
	}
	if err != nil {
		return "", err
	}

	if err := w.uploadEnclaveEnv(ctx, bucket, label, w.enclaveEnv(orderID, challenge)); err != nil {
		return "", err
	}
	return composePath, nil
}

// submitEnclaveResult uploads the enclave's result file to the content
// store and submits the combined result on-chain.
func (w *Worker) submitEnclaveResult(ctx context.Context, orderID, doReq uint64, bucket, label string, start time.Time) error {
	resultData, err := w.store.GetContent(ctx, bucket, "result.txt")
	if err != nil {
		return fmt.Errorf("failed to read enclave result: %w", err)
	}

	resultPath := filepath.Join(w.orderWorkDir(label), "etny-order-"+label, "result.txt")
	if err := os.WriteFile(resultPath, []byte(resultData), 0o644); err != nil {
		return fmt.Errorf("failed to store enclave result: %w", err)
	}
	w.logger.Debug().Str("path", resultPath).Msg("result file downloaded")

	resultCID, err := w.content.Upload(ctx, resultPath)
	if err != nil {
		return fmt.Errorf("failed to upload result: %w", err)
	}
	w.logger.Debug().Str("result_cid", resultCID).Msg("result file uploaded to content store")

	transaction, err := w.store.GetContent(ctx, bucket, "transaction.txt")
	if err != nil {
		return fmt.Errorf("failed to read enclave transaction: %w", err)
	}

	result := market.FormatResult(strings.TrimSpace(transaction), resultCID)
	w.logger.Debug().Str("result", result).Msg("built order result")
	if err := w.submitResult(ctx, orderID, result); err != nil {
		return err
	}
	w.logger.Info().Msg("ZK proof added, task integrity submitted for validation")

	metrics.OrdersCompleted.WithLabelValues(w.net.Name).Inc()
	metrics.OrderDuration.WithLabelValues(w.net.Name).Observe(time.Since(start).Seconds())
	w.logReward(ctx, doReq)
	return nil
}

func (w *Worker) submitResult(ctx context.Context, orderID uint64, result string) error {
	w.logger.Info().Msg("packaging results for blockchain submission")
	w.rpcPause()
	if err := w.chain.AddResultToOrder(ctx, orderID, result); err != nil {
		return fmt.Errorf("failed to add result to order %d: %w", orderID, err)
	}
	return nil
}

func (w *Worker) teardownOrder(ctx context.Context, composePath string) {
	if err := w.engine.ComposeDown(ctx, composePath); err != nil {
		w.logger.Warn().Err(err).Msg("failed to stop enclave stack")
	}
}
