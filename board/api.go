package board

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHttpTimeout = 15 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type BoardApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string

	// echoed to the server so the hub can skip the writer's own
	// push connection on broadcast
	connectionId string
}

func NewBoardApi(apiUrl string) *BoardApi {
	return NewBoardApiWithContext(context.Background(), apiUrl)
}

func NewBoardApiWithContext(ctx context.Context, apiUrl string) *BoardApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &BoardApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *BoardApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *BoardApi) ByJwt() string {
	return self.byJwt
}

func (self *BoardApi) SetConnectionId(connectionId string) {
	self.connectionId = connectionId
}

func (self *BoardApi) Close() {
	self.cancel()
}

type AuthLoginCallback apiCallback[*AuthLoginResult]

type AuthLoginArgs struct {
	UserId   string `json:"user_id"`
	Password string `json:"password,omitempty"`
}

type AuthLoginResult struct {
	UserId string `json:"user_id"`
	ByJwt  string `json:"by_jwt"`
}

func (self *BoardApi) AuthLogin(authLogin *AuthLoginArgs, callback AuthLoginCallback) {
	go postWithContext(self.ctx, self, "/board/auth-login", authLogin, &AuthLoginResult{}, callback)
}

func (self *BoardApi) AuthLoginSync(ctx context.Context, authLogin *AuthLoginArgs) (*AuthLoginResult, error) {
	return postWithContext(ctx, self, "/board/auth-login", authLogin, &AuthLoginResult{}, NewNoopApiCallback[*AuthLoginResult]())
}

type CreateRecordCallback apiCallback[*CreateRecordResult]

type CreateRecordArgs struct {
	RecordId Id             `json:"record_id"`
	Name     string         `json:"name"`
	Status   RecordStatus   `json:"status"`
	Location RecordLocation `json:"location"`
	Notes    string         `json:"notes,omitempty"`
}

type CreateRecordResult struct {
	Record *Record `json:"record"`
}

func (self *BoardApi) CreateRecord(createRecord *CreateRecordArgs, callback CreateRecordCallback) {
	go postWithContext(self.ctx, self, "/board/create-record", createRecord, &CreateRecordResult{}, callback)
}

func (self *BoardApi) CreateRecordSync(ctx context.Context, createRecord *CreateRecordArgs) (*CreateRecordResult, error) {
	return postWithContext(ctx, self, "/board/create-record", createRecord, &CreateRecordResult{}, NewNoopApiCallback[*CreateRecordResult]())
}

type UpdateRecordCallback apiCallback[*UpdateRecordResult]

type UpdateRecordArgs struct {
	RecordId Id           `json:"record_id"`
	Fields   *RecordPatch `json:"fields"`
	// when set, the write is accepted only if the stored version matches
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type UpdateRecordResult struct {
	Record *Record `json:"record"`
}

func (self *BoardApi) UpdateRecord(updateRecord *UpdateRecordArgs, callback UpdateRecordCallback) {
	go postWithContext(self.ctx, self, "/board/update-record", updateRecord, &UpdateRecordResult{}, callback)
}

func (self *BoardApi) UpdateRecordSync(ctx context.Context, updateRecord *UpdateRecordArgs) (*UpdateRecordResult, error) {
	return postWithContext(ctx, self, "/board/update-record", updateRecord, &UpdateRecordResult{}, NewNoopApiCallback[*UpdateRecordResult]())
}

type RemoveRecordCallback apiCallback[*RemoveRecordResult]

type RemoveRecordArgs struct {
	RecordId Id `json:"record_id"`
}

type RemoveRecordResult struct {
	RecordId Id `json:"record_id"`
}

func (self *BoardApi) RemoveRecord(removeRecord *RemoveRecordArgs, callback RemoveRecordCallback) {
	go postWithContext(self.ctx, self, "/board/remove-record", removeRecord, &RemoveRecordResult{}, callback)
}

func (self *BoardApi) RemoveRecordSync(ctx context.Context, removeRecord *RemoveRecordArgs) (*RemoveRecordResult, error) {
	return postWithContext(ctx, self, "/board/remove-record", removeRecord, &RemoveRecordResult{}, NewNoopApiCallback[*RemoveRecordResult]())
}

type PollChangesCallback apiCallback[*PollChangesResult]

type PollChangesResult struct {
	Records   []*Record `json:"records"`
	Timestamp time.Time `json:"timestamp"`
}

// PollChangesSync pulls records changed since `since`.
// a zero `since` returns the full current set.
func (self *BoardApi) PollChangesSync(ctx context.Context, since time.Time) (*PollChangesResult, error) {
	path := "/board/records"
	if !since.IsZero() {
		path = fmt.Sprintf("%s?since=%s", path, url.QueryEscape(since.UTC().Format(time.RFC3339Nano)))
	}
	return getWithContext(ctx, self, path, &PollChangesResult{}, NewNoopApiCallback[*PollChangesResult]())
}

func (self *BoardApi) PollChanges(since time.Time, callback PollChangesCallback) {
	go func() {
		result, err := self.PollChangesSync(self.ctx, since)
		callback.Result(result, err)
	}()
}

// dispatches the lowered form of a queued mutation. used by the
// offline queue drain and the engine so both classify errors the
// same way.
func (self *BoardApi) DispatchSync(ctx context.Context, mutation *Mutation) (*Record, error) {
	switch mutation.Type {
	case MutationTypeCreate:
		args := &CreateRecordArgs{
			RecordId: mutation.RecordId,
		}
		if mutation.Fields != nil {
			if mutation.Fields.Name != nil {
				args.Name = *mutation.Fields.Name
			}
			if mutation.Fields.Status != nil {
				args.Status = *mutation.Fields.Status
			}
			if mutation.Fields.Location != nil {
				args.Location = *mutation.Fields.Location
			}
			if mutation.Fields.Notes != nil {
				args.Notes = *mutation.Fields.Notes
			}
		}
		result, err := self.CreateRecordSync(ctx, args)
		if err != nil {
			return nil, err
		}
		return result.Record, nil
	case MutationTypeUpdate:
		result, err := self.UpdateRecordSync(ctx, &UpdateRecordArgs{
			RecordId:        mutation.RecordId,
			Fields:          mutation.Fields,
			ExpectedVersion: mutation.ExpectedVersion,
		})
		if err != nil {
			return nil, err
		}
		return result.Record, nil
	case MutationTypeDelete:
		_, err := self.RemoveRecordSync(ctx, &RemoveRecordArgs{
			RecordId: mutation.RecordId,
		})
		if err != nil {
			return nil, err
		}
		return nil, nil
	default:
		return nil, &RequestError{
			Kind:    ErrorKindValidation,
			Message: fmt.Sprintf("cannot dispatch mutation type %s", mutation.Type),
		}
	}
}

func postWithContext[R any](ctx context.Context, api *BoardApi, path string, args any, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", api.apiUrl+path, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	req.Header.Add("Content-Type", "application/json")

	return doRequest(api, req, result, callback)
}

func getWithContext[R any](ctx context.Context, api *BoardApi, path string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", api.apiUrl+path, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	return doRequest(api, req, result, callback)
}

func doRequest[R any](api *BoardApi, req *http.Request, result R, callback apiCallback[R]) (R, error) {
	if api.byJwt != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", api.byJwt))
	}
	if api.connectionId != "" {
		req.Header.Add("X-Connection-Id", api.connectionId)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		// no definite server answer
		var empty R
		connectivityErr := NewConnectivityError(err)
		callback.Result(empty, connectivityErr)
		return empty, connectivityErr
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		var empty R
		connectivityErr := NewConnectivityError(err)
		callback.Result(empty, connectivityErr)
		return empty, connectivityErr
	}

	if http.StatusOK != r.StatusCode {
		requestErr := classifyResponse(r.StatusCode, responseBodyBytes)
		callback.Result(result, requestErr)
		return result, requestErr
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

// `{"error": {...}}`
type errorResponseBody struct {
	Error *RequestError `json:"error"`
}

func classifyResponse(statusCode int, responseBodyBytes []byte) *RequestError {
	body := &errorResponseBody{}
	if err := json.Unmarshal(responseBodyBytes, body); err == nil && body.Error != nil && body.Error.Kind != "" {
		return body.Error
	}

	// fall back to the status code
	message := strings.TrimSpace(string(responseBodyBytes))
	if message == "" {
		message = http.StatusText(statusCode)
	}
	kind := ErrorKindRejected
	switch statusCode {
	case http.StatusBadRequest:
		kind = ErrorKindValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = ErrorKindAuth
	case http.StatusNotFound:
		kind = ErrorKindNotFound
	case http.StatusConflict:
		kind = ErrorKindConflict
	}
	return &RequestError{
		Kind:    kind,
		Message: message,
	}
}
