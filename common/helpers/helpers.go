package helpers

import (
	"encoding/json"
	"errors"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"

	"github.com/guardian/taskrunner/common/models"
	log "github.com/sirupsen/logrus"
)

/**
the standard JSON body for anything that is not a real payload, successes included
*/
type GenericErrorResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail"`
}

func WriteJsonContent(content interface{}, w http.ResponseWriter, statusCode int) {
	contentBytes, marshalErr := json.Marshal(content)
	if marshalErr != nil {
		log.Printf("Could not marshal content for json write: %s", marshalErr)
		contentBytes, _ = json.Marshal(GenericErrorResponse{Status: "error", Detail: "could not encode response"})
		statusCode = http.StatusInternalServerError
	}

	w.Header().Add("Content-Type", "application/json")
	w.Header().Add("Content-Length", strconv.FormatInt(int64(len(contentBytes)), 10))
	w.WriteHeader(statusCode)
	_, writeErr := w.Write(contentBytes)
	if writeErr != nil {
		log.Printf("Could not write content to HTTP socket: %s", writeErr)
	}
}

func ReadJsonBody(from io.Reader, to interface{}) error {
	byteContent, readErr := ioutil.ReadAll(from)
	if readErr != nil {
		return readErr
	}

	marshalErr := json.Unmarshal(byteContent, to)
	return marshalErr
}

func AssertHttpMethod(request *http.Request, w http.ResponseWriter, method string) bool {
	if request.Method != method {
		log.Printf("Got a %s request, expecting %s", request.Method, method)
		WriteJsonContent(GenericErrorResponse{"error", "wrong method type"}, w, 405)
		return false
	} else {
		return true
	}
}

/**
Breaks down the incoming request URI into a map of string->string
*/
func GetQueryParams(incomingRequestUri string) (*url.Values, error) {
	requestUri, uriParseErr := url.ParseRequestURI(incomingRequestUri)

	if uriParseErr != nil {
		log.Printf("Could not understand incoming request URI '%s': %s", incomingRequestUri, uriParseErr)
		return nil, errors.New("Invalid URI")
	}

	rtn := requestUri.Query()
	return &rtn, nil
}

/**
gets just the "jobId" parameter from the provided query string and returns it as a JobIdentity.
if it does not exist or is not valid, a GenericErrorResponse object is returned that is suitable
to be written directly to the outgoing response.
*/
func GetJobIdFromQuerystring(incomingRequestUri string) (models.JobIdentity, *GenericErrorResponse) {
	queryParams, err := GetQueryParams(incomingRequestUri)
	if err != nil {
		return 0, &GenericErrorResponse{
			Status: "error",
			Detail: err.Error(),
		}
	}
	return GetJobIdFromValues(queryParams)
}

func GetJobIdFromValues(queryParams *url.Values) (models.JobIdentity, *GenericErrorResponse) {
	jobIdString := queryParams.Get("jobId")

	jobId, parseErr := models.ParseJobIdentity(jobIdString)
	if parseErr != nil {
		log.Printf("Could not parse job ID string '%s': %s", jobIdString, parseErr)
		return 0, &GenericErrorResponse{
			Status: "error",
			Detail: "malformed job id",
		}
	}
	return jobId, nil
}
