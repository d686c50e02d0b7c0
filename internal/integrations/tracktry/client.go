package tracktry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/BearBump/TrackTry/internal/models"
	"github.com/pkg/errors"
)

const (
	DefaultBaseURL = "https://api.tracktry.com/v1"
	DefaultTimeout = 8 * time.Second

	headerAPIKey = "Tracktry-Api-Key"
)

// DefaultGoodStatusCodes: HTTP-статусы, которые считаем успехом.
var DefaultGoodStatusCodes = []int{http.StatusOK, http.StatusCreated, http.StatusAccepted}

// HTTPDoer реализует *http.Client. Им владеет вызывающий, Client его не закрывает.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client: обёртка над REST API Tracktry.
//
// Каждая операция делает ровно один HTTP-запрос в пределах timeout.
// Load/Create/Delete/Lookup* возвращают типизированные ошибки
// (TransportError, RemoteError, ParseError); FetchTrackings, AddTracking,
// RemoveTracking, DetectCouriers и FetchCouriers те же ошибки только логируют
// и отдают пустой результат.
//
// Параллельные вызовы не упорядочены: побеждает последний записавший.
type Client struct {
	baseURL   string
	httpc     HTTPDoer
	headers   http.Header
	timeout   time.Duration
	goodCodes map[int]struct{}
	log       *slog.Logger

	mu        sync.RWMutex
	trackings models.Data
	couriers  models.Data
	meta      models.Meta
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithGoodStatusCodes(codes ...int) Option {
	return func(c *Client) {
		if len(codes) == 0 {
			return
		}
		c.goodCodes = make(map[int]struct{}, len(codes))
		for _, code := range codes {
			c.goodCodes[code] = struct{}{}
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func New(httpc HTTPDoer, apiKey string, opts ...Option) *Client {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	headers := http.Header{}
	headers.Set(headerAPIKey, apiKey)
	headers.Set("Content-Type", "application/json")

	c := &Client{
		baseURL:   DefaultBaseURL,
		httpc:     httpc,
		headers:   headers,
		timeout:   DefaultTimeout,
		log:       slog.Default().With("component", "tracktry"),
		trackings: models.EmptyData(),
		couriers:  models.EmptyData(),
	}
	WithGoodStatusCodes(DefaultGoodStatusCodes...)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Trackings: data последней загрузки trackings.
func (c *Client) Trackings() models.Data {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneData(c.trackings)
}

// Couriers: data последней успешной загрузки couriers.
func (c *Client) Couriers() models.Data {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneData(c.couriers)
}

// Meta: meta последней загрузки trackings.
func (c *Client) Meta() models.Meta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta
}

// FetchTrackings отдаёт все trackings или {} при любой ошибке.
func (c *Client) FetchTrackings(ctx context.Context) models.Data {
	if _, err := c.LoadTrackings(ctx); err != nil {
		c.logError(err)
	}
	return c.Trackings()
}

// AddTracking регистрирует трек-номер. Ошибки только логируются.
func (c *Client) AddTracking(ctx context.Context, in models.AddTrackingInput) {
	if err := c.CreateTracking(ctx, in); err != nil {
		c.logError(err)
	}
}

// RemoveTracking удаляет трек-номер. Ошибки только логируются.
func (c *Client) RemoveTracking(ctx context.Context, carrierCode, trackingNumber string) {
	if err := c.DeleteTracking(ctx, carrierCode, trackingNumber); err != nil {
		c.logError(err)
	}
}

// DetectCouriers отдаёт возможных перевозчиков для trackingNumber или {} при ошибке.
// Кэш couriers не трогается.
func (c *Client) DetectCouriers(ctx context.Context, trackingNumber string, extra map[string]any) models.Data {
	data, err := c.LookupCouriers(ctx, trackingNumber, extra)
	if err != nil {
		c.logError(err)
		return models.EmptyData()
	}
	return data
}

// FetchCouriers отдаёт список перевозчиков или {} при ошибке.
// При ошибке прежний кэш couriers остаётся.
func (c *Client) FetchCouriers(ctx context.Context, params url.Values) models.Data {
	env, err := c.LoadCouriers(ctx, params)
	if err != nil {
		c.logError(err)
		return models.EmptyData()
	}
	return env.Data
}

func (c *Client) LoadTrackings(ctx context.Context) (models.Envelope, error) {
	const op = "get trackings"

	c.mu.Lock()
	c.trackings = models.EmptyData()
	c.meta = models.Meta{}
	c.mu.Unlock()

	status, body, err := c.roundTrip(ctx, op, http.MethodGet, []string{"trackings", "get"}, nil, nil)
	if err != nil {
		return models.Envelope{}, err
	}
	env, err := decodeEnvelope(op, body)
	if err != nil {
		return models.Envelope{}, err
	}

	if !c.good(status) {
		if env.Meta == nil {
			return models.Envelope{}, &ParseError{Op: op, Err: errors.New("missing meta")}
		}
		c.mu.Lock()
		c.meta = *env.Meta
		c.mu.Unlock()
		return models.Envelope{Meta: *env.Meta}, &RemoteError{Op: op, StatusCode: status, Meta: *env.Meta}
	}

	data, err := decodeData(op, env.Data)
	if err != nil {
		return models.Envelope{}, err
	}

	// data сохраняется, даже если meta в ответе нет.
	c.mu.Lock()
	c.trackings = data
	if env.Meta != nil {
		c.meta = *env.Meta
	}
	c.mu.Unlock()

	if env.Meta == nil {
		return models.Envelope{Data: cloneData(data)}, &ParseError{Op: op, Err: errors.New("missing meta")}
	}

	return models.Envelope{Data: cloneData(data), Meta: *env.Meta}, nil
}

func (c *Client) CreateTracking(ctx context.Context, in models.AddTrackingInput) error {
	const op = "add tracking"

	body := map[string]any{"tracking_number": in.TrackingNumber}
	if in.CarrierCode != "" {
		body["carrier_code"] = in.CarrierCode
	}
	if in.Title != "" {
		body["title"] = in.Title
	}
	// TODO: слать in.PostalCode, когда подтвердится имя поля в Tracktry.

	status, raw, err := c.roundTrip(ctx, op, http.MethodPost, []string{"trackings", "post"}, nil, body)
	if err != nil {
		return err
	}
	if !c.good(status) {
		return c.remoteError(op, status, raw)
	}
	return nil
}

func (c *Client) DeleteTracking(ctx context.Context, carrierCode, trackingNumber string) error {
	const op = "remove tracking"

	if carrierCode == "" || trackingNumber == "" {
		return errors.Errorf("tracktry %s: carrier code and tracking number are required", op)
	}
	// JoinPath схлопывает "." и "..", запрос ушёл бы не на тот путь.
	if isDotSegment(carrierCode) || isDotSegment(trackingNumber) {
		return errors.Errorf("tracktry %s: %q/%q is not a valid path segment", op, carrierCode, trackingNumber)
	}

	status, raw, err := c.roundTrip(ctx, op, http.MethodDelete,
		[]string{"trackings", url.PathEscape(carrierCode), url.PathEscape(trackingNumber)}, nil, nil)
	if err != nil {
		return err
	}
	if !c.good(status) {
		return c.remoteError(op, status, raw)
	}
	return nil
}

func (c *Client) LookupCouriers(ctx context.Context, trackingNumber string, extra map[string]any) (models.Data, error) {
	const op = "detect couriers"

	body := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		body[k] = v
	}
	body["tracking_number"] = trackingNumber

	status, raw, err := c.roundTrip(ctx, op, http.MethodPost, []string{"carriers", "detect"}, nil, body)
	if err != nil {
		return nil, err
	}
	env, err := decodeEnvelope(op, raw)
	if err != nil {
		return nil, err
	}
	if !c.good(status) {
		if env.Meta == nil {
			return nil, &ParseError{Op: op, Err: errors.New("missing meta")}
		}
		return nil, &RemoteError{Op: op, StatusCode: status, Meta: *env.Meta}
	}
	return decodeData(op, env.Data)
}

func (c *Client) LoadCouriers(ctx context.Context, params url.Values) (models.Envelope, error) {
	const op = "get couriers"

	status, raw, err := c.roundTrip(ctx, op, http.MethodGet, []string{"carriers"}, params, nil)
	if err != nil {
		return models.Envelope{}, err
	}
	env, err := decodeEnvelope(op, raw)
	if err != nil {
		return models.Envelope{}, err
	}
	if !c.good(status) {
		if env.Meta == nil {
			return models.Envelope{}, &ParseError{Op: op, Err: errors.New("missing meta")}
		}
		return models.Envelope{Meta: *env.Meta}, &RemoteError{Op: op, StatusCode: status, Meta: *env.Meta}
	}
	data, err := decodeData(op, env.Data)
	if err != nil {
		return models.Envelope{}, err
	}

	c.mu.Lock()
	c.couriers = data
	c.mu.Unlock()

	var meta models.Meta
	if env.Meta != nil {
		meta = *env.Meta
	}
	return models.Envelope{Data: cloneData(data), Meta: meta}, nil
}

// roundTrip: один запрос, тело читается целиком в пределах timeout.
func (c *Client) roundTrip(ctx context.Context, op, method string, path []string, query url.Values, body any) (int, []byte, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return 0, nil, &TransportError{Op: op, Err: errors.Wrap(err, "parse base url")}
	}
	u = u.JoinPath(path...)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, &TransportError{Op: op, Err: errors.Wrap(err, "marshal body")}
		}
		reqBody = bytes.NewReader(b)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return 0, nil, &TransportError{Op: op, Err: errors.Wrap(err, "new request")}
	}
	req.Header = c.headers.Clone()

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, nil, &TransportError{Op: op, Timeout: isTimeout(ctx, err), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &TransportError{Op: op, Timeout: isTimeout(ctx, err), Err: errors.Wrap(err, "read body")}
	}
	return resp.StatusCode, raw, nil
}

func (c *Client) good(status int) bool {
	_, ok := c.goodCodes[status]
	return ok
}

// remoteError для ручек, где тело успешного ответа не нужно; meta берём из тела ошибки, если она там есть.
func (c *Client) remoteError(op string, status int, raw []byte) error {
	meta := models.Meta{Code: status, Message: http.StatusText(status)}
	if env, err := decodeEnvelope(op, raw); err == nil && env.Meta != nil {
		meta = *env.Meta
	}
	return &RemoteError{Op: op, StatusCode: status, Meta: meta}
}

func (c *Client) logError(err error) {
	var (
		te *TransportError
		re *RemoteError
		pe *ParseError
	)
	switch {
	case errors.As(err, &te):
		c.log.Error("error connecting to Tracktry", "op", te.Op, "timeout", te.Timeout, "error", te.Err.Error())
	case errors.As(err, &re):
		c.log.Error("Tracktry error response", "op", re.Op, "status", re.StatusCode, "code", re.Meta.Code, "message", re.Meta.Message)
	case errors.As(err, &pe):
		c.log.Error("error parsing data from Tracktry", "op", pe.Op, "error", pe.Err.Error())
	default:
		c.log.Error("Tracktry request failed", "error", err.Error())
	}
}

type rawEnvelope struct {
	Data json.RawMessage `json:"data"`
	Meta *models.Meta    `json:"meta"`
}

func decodeEnvelope(op string, raw []byte) (rawEnvelope, error) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return rawEnvelope{}, &ParseError{Op: op, Err: errors.Wrap(err, "decode envelope")}
	}
	return env, nil
}

func decodeData(op string, raw json.RawMessage) (models.Data, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, &ParseError{Op: op, Err: errors.New("missing data")}
	}
	var d any
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, &ParseError{Op: op, Err: errors.Wrap(err, "decode data")}
	}
	return d, nil
}

func isDotSegment(s string) bool {
	return s == "." || s == ".."
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// cloneData копирует только верхний уровень map/slice.
func cloneData(d models.Data) models.Data {
	switch v := d.(type) {
	case nil:
		return models.EmptyData()
	case map[string]any:
		return maps.Clone(v)
	case []any:
		return slices.Clone(v)
	default:
		return v
	}
}
