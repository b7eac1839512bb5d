package supervisorclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/guardian/taskrunner/common/models"
	log "github.com/sirupsen/logrus"
)

func (c *CommandClient) ResultUrl(executor models.ExecutorEndpoint, jobId models.JobIdentity) string {
	return fmt.Sprintf("%s%s?jobId=%s", executor.BaseUrl(), c.resultsPath, jobId)
}

/**
pulls the latest result snapshot from the executor.
returns nil with no error if the executor has nothing to report yet (404)
*/
func (c *CommandClient) GetResult(ctx context.Context, executor models.ExecutorEndpoint, jobId models.JobIdentity) (*models.TaskResult, error) {
	url := c.ResultUrl(executor, jobId)
	content, _, err := c.doRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		if transportErr, isTransport := err.(*models.TransportError); isTransport && transportErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}

	var result models.TaskResult
	if unmarshalErr := json.Unmarshal(content, &result); unmarshalErr != nil {
		log.Errorf("executor result for %s was not understood: %s. Offending data was %s", jobId, unmarshalErr, string(content))
		return nil, unmarshalErr
	}
	if result.JobIdentity == 0 {
		result.JobIdentity = jobId
	}
	return &result, nil
}

/**
pushes a result snapshot to an orchestrator's receiving endpoint, with retries
*/
func (c *CommandClient) PushResult(ctx context.Context, orchestratorBaseUrl string, result *models.TaskResult) error {
	body, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return marshalErr
	}
	_, err := c.doWithRetry(ctx, http.MethodPost, orchestratorBaseUrl+"/api/task/result", body)
	return err
}
