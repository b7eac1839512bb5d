package supervisorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/guardian/taskrunner/common/helpers"
	"github.com/guardian/taskrunner/common/models"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/util/wait"
)

/**
CommandClient resolves supervisor endpoints and carries commands to them over HTTP.
It knows nothing about what a command means; interpreting the answer is the caller's job.
*/
type CommandClient struct {
	httpClient          *http.Client
	limiter             *rate.Limiter
	backoff             wait.Backoff
	localSupervisorPort int
	heartbeatPath       string
	resultsPath         string
}

func NewCommandClient(conf helpers.TransportConfig, localSupervisorPort int) *CommandClient {
	return &CommandClient{
		httpClient: &http.Client{Timeout: time.Duration(conf.TimeoutSeconds) * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(conf.RequestsPerSecond), conf.RequestsBurst),
		backoff: wait.Backoff{
			Duration: time.Duration(conf.RetryInitialMillis) * time.Millisecond,
			Factor:   2.0,
			Jitter:   0.1,
			Steps:    conf.RetryAttempts,
		},
		localSupervisorPort: localSupervisorPort,
		heartbeatPath:       conf.HeartbeatPath,
		resultsPath:         conf.ExecutorResultsPath,
	}
}

func (c *CommandClient) resolve(endpoint models.SupervisorEndpoint) models.SupervisorEndpoint {
	return endpoint.Resolve(c.localSupervisorPort)
}

/**
the full URL a command of the given type is posted to on the given supervisor
*/
func (c *CommandClient) CommandUrl(endpoint models.SupervisorEndpoint, commandType models.CommandType) string {
	return fmt.Sprintf("http://%s%s", c.resolve(endpoint).Address(), commandType.Path())
}

/**
performs one request, turning anything other than a 2xx into a TransportError.
the second return value says whether the failure is worth retrying.
*/
func (c *CommandClient) doRequest(ctx context.Context, method string, url string, body []byte) ([]byte, bool, error) {
	if waitErr := c.limiter.Wait(ctx); waitErr != nil {
		return nil, false, &models.TransportError{Target: url, Cause: waitErr}
	}

	var bodyReader *bytes.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	} else {
		bodyReader = bytes.NewReader([]byte{})
	}
	req, reqErr := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if reqErr != nil {
		return nil, false, &models.TransportError{Target: url, Cause: reqErr}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(req)
	if err != nil {
		log.Debugf("request to %s failed: %s", url, err)
		return nil, ctx.Err() == nil, &models.TransportError{Target: url, Cause: err}
	}
	defer response.Body.Close()

	responseContent, readErr := ioutil.ReadAll(response.Body)
	if readErr != nil {
		return nil, true, &models.TransportError{Target: url, Cause: readErr}
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		log.Warnf("%s returned %d: %s", url, response.StatusCode, string(responseContent))
		retryable := response.StatusCode >= 500 || response.StatusCode == http.StatusTooManyRequests
		return responseContent, retryable, &models.TransportError{Target: url, StatusCode: response.StatusCode}
	}
	return responseContent, false, nil
}

/**
performs the request with exponential backoff on retryable failures
*/
func (c *CommandClient) doWithRetry(ctx context.Context, method string, url string, body []byte) ([]byte, error) {
	var content []byte
	var lastErr error

	backoffErr := wait.ExponentialBackoffWithContext(ctx, c.backoff, func(ctx context.Context) (bool, error) {
		var retryable bool
		content, retryable, lastErr = c.doRequest(ctx, method, url, body)
		if lastErr == nil {
			return true, nil
		}
		if !retryable {
			return false, lastErr
		}
		return false, nil
	})

	if backoffErr != nil {
		if wait.Interrupted(backoffErr) && lastErr != nil {
			return content, lastErr
		}
		if models.IsTransportError(backoffErr) {
			return content, backoffErr
		}
		return content, &models.TransportError{Target: url, Cause: backoffErr}
	}
	return content, nil
}

/**
posts the command to the supervisor and returns the raw answer untouched
*/
func (c *CommandClient) Send(ctx context.Context, endpoint models.SupervisorEndpoint, cmd models.TaskCommand) ([]byte, error) {
	url := c.CommandUrl(endpoint, cmd.Type)
	body, marshalErr := json.Marshal(&cmd)
	if marshalErr != nil {
		return nil, marshalErr
	}

	log.Debugf("sending %s for job %s to %s (request %s)", cmd.Type, cmd.JobContext.JobIdentity, url, cmd.RequestId)
	return c.doWithRetry(ctx, http.MethodPost, url, body)
}

/**
convenience wrapper around Send that decodes the supervisor's acknowledgement
*/
func (c *CommandClient) SendCommand(ctx context.Context, endpoint models.SupervisorEndpoint, cmd models.TaskCommand) (*models.CommandAck, error) {
	content, err := c.Send(ctx, endpoint, cmd)
	if err != nil {
		return nil, err
	}
	var ack models.CommandAck
	if len(content) == 0 {
		return &ack, nil
	}
	if unmarshalErr := json.Unmarshal(content, &ack); unmarshalErr != nil {
		log.Errorf("supervisor answer for %s was not understood: %s. Offending data was %s", cmd.Type, unmarshalErr, string(content))
		return nil, unmarshalErr
	}
	return &ack, nil
}

/**
true if the supervisor answers its heartbeat endpoint. Single attempt, no retries.
*/
func (c *CommandClient) IsSupervisorAlive(ctx context.Context, endpoint models.SupervisorEndpoint) bool {
	url := fmt.Sprintf("http://%s%s", c.resolve(endpoint).Address(), c.heartbeatPath)
	_, _, err := c.doRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		log.Debugf("supervisor %s failed its heartbeat: %s", endpoint, err)
		return false
	}
	return true
}
