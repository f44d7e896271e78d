package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ethernity-cloud/etny-agent/pkg/docker"
)

const (
	integrationBucket     = "etny-bucket-integration"
	integrationOrderLabel = "integration_test"
	integrationResultFile = "context_test.etny"
	integrationTimeout    = 5 * time.Minute

	// swiftStreamCompose runs the object store sidecar the enclave
	// stack uses as its control channel.
	swiftStreamCompose = "../docker/docker-compose-swift-stream.yml"
)

// orderWorkDir is the compose working directory for one order; label is
// the order id, or integration_test for the boot self-test.
func (w *Worker) orderWorkDir(label string) string {
	return filepath.Join(w.paths.OrdersDir, label)
}

// prepareOrderCompose copies the downloaded compose file into the
// order's working directory with the order id substituted in, and
// returns the prepared file's path.
func (w *Worker) prepareOrderCompose(label, composeCID string) (string, error) {
	workDir := w.orderWorkDir(label)
	if err := os.MkdirAll(filepath.Join(workDir, "etny-order-"+label), 0o755); err != nil {
		return "", fmt.Errorf("failed to create order dir: %w", err)
	}
	composePath := filepath.Join(workDir, "docker-compose.yml")
	src := filepath.Join(w.paths.NetBase, composeCID)
	if err := docker.PrepareCompose(src, composePath, label); err != nil {
		return "", err
	}
	return composePath, nil
}

// uploadEnclaveEnv writes the enclave .env file into the order folder
// and uploads it to the control bucket.
func (w *Worker) uploadEnclaveEnv(ctx context.Context, bucket, label string, env []docker.EnvEntry) error {
	envPath := filepath.Join(w.orderWorkDir(label), "etny-order-"+label, ".env")
	if err := docker.WriteEnvFile(envPath, env); err != nil {
		return err
	}
	return w.store.PutFile(ctx, bucket, ".env", envPath)
}

func (w *Worker) enclaveEnv(orderID uint64, challenge string) []docker.EnvEntry {
	return []docker.EnvEntry{
		{Key: "ETNY_CHAIN_ID", Value: strconv.FormatInt(w.net.ChainID, 10)},
		{Key: "ETNY_SMART_CONTRACT_ADDRESS", Value: w.net.ContractAddress},
		{Key: "ETNY_WEB3_PROVIDER", Value: w.net.RPCURL},
		{Key: "ETNY_CLIENT_CHALLENGE", Value: challenge},
		{Key: "ETNY_ORDER_ID", Value: strconv.FormatUint(orderID, 10)},
		{Key: "ETNY_NGROK_AUTHTOKEN", Value: "DEFAULT"},
	}
}

func (w *Worker) integrationEnv() []docker.EnvEntry {
	return []docker.EnvEntry{
		{Key: "ETNY_CHAIN_ID", Value: strconv.FormatInt(w.net.ChainID, 10)},
		{Key: "ETNY_SMART_CONTRACT_ADDRESS", Value: w.net.ContractAddress},
		{Key: "ETNY_WEB3_PROVIDER", Value: w.net.RPCURL},
		{Key: "ETNY_RUN_INTEGRATION_TEST", Value: "1"},
		{Key: "ETNY_ORDER_ID", Value: "0"},
	}
}

// buildIntegrationPrerequisites stages the self-test compose stack:
// fresh control bucket, prepared compose file, uploaded .env.
func (w *Worker) buildIntegrationPrerequisites(ctx context.Context, composeCID string) (string, error) {
	if err := w.store.RecreateBucket(ctx, integrationBucket); err != nil {
		return "", err
	}
	composePath, err := w.prepareOrderCompose(integrationOrderLabel, composeCID)
	if err != nil {
		return "", err
	}
	if err := w.uploadEnclaveEnv(ctx, integrationBucket, integrationOrderLabel, w.integrationEnv()); err != nil {
		return "", err
	}
	return composePath, nil
}

func (w *Worker) cleanupIntegrationTest(ctx context.Context, composePath string) {
	if composePath != "" {
		if err := w.engine.ComposeDown(ctx, composePath); err != nil {
			w.logger.Warn().Err(err).Msg("failed to stop integration test containers")
		}
	}
	if err := w.store.DeleteBucket(ctx, integrationBucket); err != nil {
		w.logger.Warn().Err(err).Msg("failed to delete integration test bucket")
	}
}

// ensureSGXCapability verifies the host can run the enclave stack. The
// full test is run once per process lifetime; later boots, and hosts
// configured to skip it, only restage the compose prerequisites.
func (w *Worker) ensureSGXCapability(ctx context.Context, composeCID string) error {
	skip := os.Getenv("SKIP_INTEGRATION_TEST") == "true"
	if skip || w.gate.Passed() {
		if skip {
			w.logger.Warn().Msg("agent skipped SGX integration test, SGX capabilities overwritten by configuration")
		} else {
			w.logger.Info().Msg("SGX integration test completed already")
		}
		composePath, err := w.buildIntegrationPrerequisites(ctx, composeCID)
		if err != nil {
			w.logger.Warn().Err(err).Msg("unable to prepare for integration test")
		}
		w.cleanupIntegrationTest(ctx, composePath)
		w.sgxCapable = true
		return nil
	}
	return w.runIntegrationTest(ctx)
}

// runIntegrationTest executes the trusted zone self-test enclave end to
// end and records the outcome in the process-wide gate.
func (w *Worker) runIntegrationTest(ctx context.Context) error {
	w.logger.Info().Msg("running integration test")

	imageCID, composeCID, err := w.chain.GetTrustedZoneImage(ctx, w.net.IntegrationTestImage)
	if err != nil {
		return fmt.Errorf("failed to resolve integration test image: %w", err)
	}
	w.logger.Debug().Str("image_cid", imageCID).Str("compose_cid", composeCID).Msg("downloading integration test content")

	if !w.content.DownloadMany(ctx, []string{imageCID, composeCID}, 10, 3*time.Second) {
		return fmt.Errorf("cannot download integration test content, stopping test")
	}

	w.logger.Debug().Msg("starting swift-stream sidecar")
	if err := w.engine.ComposeUp(ctx, swiftStreamCompose); err != nil {
		w.logger.Warn().Err(err).Msg("failed to start swift-stream sidecar")
	}

	composePath, err := w.buildIntegrationPrerequisites(ctx, composeCID)
	if err != nil {
		return fmt.Errorf("failed to prepare integration test: %w", err)
	}

	w.resetEnclaveStack(ctx, filepath.Join(w.paths.NetBase, imageCID))

	w.logger.Debug().Msg("starting integration test enclaves")
	if err := w.engine.ComposeUp(ctx, composePath); err != nil {
		w.cleanupIntegrationTest(ctx, composePath)
		return fmt.Errorf("failed to start integration test stack: %w", err)
	}

	w.logger.Debug().Msg("waiting for execution of integration test enclave")
	ok := w.waitForObject(ctx, integrationBucket, integrationResultFile, integrationTimeout)
	if ok {
		_, err = w.store.GetContent(ctx, integrationBucket, integrationResultFile)
		ok = err == nil
	}
	if !ok {
		w.logger.Warn().Msg("the node is not properly running under SGX, please check the configuration")
		w.sgxCapable = false
		w.cleanupIntegrationTest(ctx, composePath)
		return nil
	}

	w.sgxCapable = true
	w.gate.MarkPassed()
	w.logger.Info().Msg("agent SGX capabilities tested and enabled successfully")
	w.cleanupIntegrationTest(ctx, composePath)
	return nil
}

// resetEnclaveStack clears the previous enclave containers and starts a
// fresh local registry backed by the downloaded image directory.
func (w *Worker) resetEnclaveStack(ctx context.Context, imageDir string) {
	w.logger.Debug().Msg("stopping previous enclave containers")
	w.engine.StopContainers(ctx, "registry", "etny-securelock", "etny-trustedzone", "las")
	if err := w.engine.Prune(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("failed to prune container engine")
	}
	w.engine.StopContainers(ctx, "las")
	w.engine.RemoveContainers(ctx, "las")
	if err := w.engine.StartRegistry(ctx, imageDir); err != nil {
		w.logger.Warn().Err(err).Msg("failed to start local registry")
	}
}

// waitForObject polls the control bucket until object appears or the
// timeout elapses.
func (w *Worker) waitForObject(ctx context.Context, bucket, object string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		exists, err := w.store.ObjectExists(ctx, bucket, object)
		if err == nil && exists {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
	return false
}
