package hedge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/hashhedge/hedge/hedgedb"
)

// serverTimeout is the per-request timeout towards the hedge server.
const serverTimeout = 30 * time.Second

// ErrServerRejected is returned when the server answered the request but
// reported an application level error.
var ErrServerRejected = errors.New("server rejected request")

// hedgeServerClient is the interface towards the hedge server's contract
// API.
type hedgeServerClient interface {
	// GetStats returns the server's market snapshot.
	GetStats(ctx context.Context) (*Stats, error)

	// NewContract registers a new contract for the given user key and
	// returns its id and deposit address.
	NewContract(ctx context.Context, userPubKey string,
		amount btcutil.Amount, direction hedgedb.Direction) (
		*newContractResponse, error)

	// MatchContract asks the house to match the contract's deposit.
	MatchContract(ctx context.Context, contractID int64) (
		*matchContractResponse, error)

	// SettleContract asks the oracle to settle a single contract at the
	// given difficulty reading.
	SettleContract(ctx context.Context, contractID int64,
		difficulty float64) (*settleContractResponse, error)

	// SettleAll asks the oracle to settle every pending contract at the
	// given difficulty reading.
	SettleAll(ctx context.Context, difficulty float64) (
		*settleAllResponse, error)

	// RefundContract asks for a house-signed refund transaction.
	RefundContract(ctx context.Context, contractID int64) (
		*refundContractResponse, error)

	// LastBlockTime reports how long ago the chain tip was mined.
	LastBlockTime(ctx context.Context) (*BlockTime, error)

	// CancelContract deletes an unfunded contract on the server.
	CancelContract(ctx context.Context, contractID int64) error

	// ClaimAll returns a partially signed batch transaction sweeping all
	// of the user's won contracts.
	ClaimAll(ctx context.Context, userPubKey string) (*claimAllResponse,
		error)

	// FetchContract returns the server's view of a single contract.
	FetchContract(ctx context.Context, contractID int64) (
		*contractInfo, error)

	// UserContracts returns all contracts registered for the user key,
	// most recent first.
	UserContracts(ctx context.Context, userPubKey string) ([]*contractInfo,
		error)
}

// newContractResponse is the server reply to a contract creation.
type newContractResponse struct {
	Status         string `json:"status"`
	ContractID     int64  `json:"contract_id"`
	DepositAddress string `json:"deposit_address"`
	Amount         int64  `json:"amount"`
	Message        string `json:"message"`
	Error          string `json:"error,omitempty"`
}

// matchContractResponse is the server reply to a match request. Status is
// one of matched, already_matched, waiting_for_user or error.
type matchContractResponse struct {
	Status  string `json:"status"`
	TxID    string `json:"txid"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// settleContractResponse is the server reply to a settle request. A
// WAITING_USER_SIG result carries the oracle-signed transaction.
type settleContractResponse struct {
	Result  string `json:"result"`
	TxHex   string `json:"tx_hex,omitempty"`
	TxID    string `json:"txid,omitempty"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// settleAllEntry is one contract's outcome within a settle-all sweep.
type settleAllEntry struct {
	ID     int64  `json:"id"`
	Result string `json:"result"`
}

// settleAllResponse is the server reply to a settle-all request.
type settleAllResponse struct {
	Summary []settleAllEntry `json:"summary"`
	Count   int              `json:"count"`
}

// refundContractResponse is the server reply to a refund request, carrying
// the house-signed refund transaction.
type refundContractResponse struct {
	Status  string `json:"status"`
	Result  string `json:"result,omitempty"`
	TxHex   string `json:"tx_hex,omitempty"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// claimAllResponse is the server reply to a batch claim request, carrying
// the oracle-signed batch transaction.
type claimAllResponse struct {
	Status  string `json:"status"`
	TxHex   string `json:"tx_hex,omitempty"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// contractInfo is the server's row view of a contract.
type contractInfo struct {
	ID             int64  `json:"id"`
	UserPubKey     string `json:"user_pubkey"`
	DepositAddress string `json:"deposit_address"`
	RedeemScript   string `json:"redeem_script_hex"`
	Amount         int64  `json:"amount"`
	Direction      string `json:"direction"`
	Status         string `json:"status"`
	TxHex          string `json:"tx_hex"`
	Nonce          string `json:"nonce"`
	CreatedAt      string `json:"created_at"`
	BlockHeight    int64  `json:"block_height"`
}

// userContractsResponse wraps the contract listing endpoint.
type userContractsResponse struct {
	Count     int             `json:"count"`
	Contracts []*contractInfo `json:"contracts"`
}

// contract converts the server row into the client-side contract record.
func (c *contractInfo) contract(now time.Time) *hedgedb.Contract {
	createdAt := now
	if t, err := time.Parse(time.DateTime, c.CreatedAt); err == nil {
		createdAt = t
	}

	return &hedgedb.Contract{
		ID:             c.ID,
		UserPubKey:     c.UserPubKey,
		DepositAddress: c.DepositAddress,
		Direction:      hedgedb.Direction(c.Direction),
		AmountSat:      btcutil.Amount(c.Amount),
		Status:         hedgedb.Status(c.Status),
		PendingTxHex:   c.TxHex,
		Nonce:          c.Nonce,
		CreatedAt:      createdAt,
	}
}

// restServerClient talks to the hedge server over its JSON REST API.
type restServerClient struct {
	baseURL string
	client  *http.Client
}

// A compile-time check for interface conformance.
var _ hedgeServerClient = (*restServerClient)(nil)

// newRestServerClient creates a server client for the given base url, for
// example https://hedge.example.com/api.
func newRestServerClient(baseURL string) *restServerClient {
	return &restServerClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: serverTimeout,
		},
	}
}

// getJSON performs a GET request and decodes the JSON reply into dst.
func (r *restServerClient) getJSON(ctx context.Context, path string,
	dst interface{}) error {

	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, r.baseURL+path, nil,
	)
	if err != nil {
		return err
	}

	return r.do(req, dst)
}

// postJSON performs a POST request with a JSON body and decodes the JSON
// reply into dst.
func (r *restServerClient) postJSON(ctx context.Context, path string,
	body, dst interface{}) error {

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, r.baseURL+path,
		bytes.NewReader(payload),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return r.do(req, dst)
}

func (r *restServerClient) do(req *http.Request, dst interface{}) error {
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: http status %d", ErrServerRejected,
			resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(dst)
}

func (r *restServerClient) GetStats(ctx context.Context) (*Stats, error) {
	var resp struct {
		Difficulty    float64 `json:"difficulty"`
		HashpriceSats float64 `json:"hashprice_sats"`
		HouseAddress  string  `json:"house_address"`
	}
	if err := r.getJSON(ctx, "/stats", &resp); err != nil {
		return nil, err
	}

	return &Stats{
		Difficulty:    resp.Difficulty,
		HashpriceSats: resp.HashpriceSats,
		HouseAddress:  resp.HouseAddress,
	}, nil
}

func (r *restServerClient) NewContract(ctx context.Context,
	userPubKey string, amount btcutil.Amount,
	direction hedgedb.Direction) (*newContractResponse, error) {

	req := struct {
		UserPubKey string `json:"user_pubkey"`
		Amount     int64  `json:"amount"`
		Direction  string `json:"direction"`
	}{
		UserPubKey: userPubKey,
		Amount:     int64(amount),
		Direction:  string(direction),
	}

	var resp newContractResponse
	err := r.postJSON(ctx, "/create_contract", &req, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("%w: %v", ErrServerRejected,
			serverMessage(resp.Error, resp.Message))
	}

	return &resp, nil
}

func (r *restServerClient) MatchContract(ctx context.Context,
	contractID int64) (*matchContractResponse, error) {

	req := struct {
		ContractID int64 `json:"contract_id"`
	}{ContractID: contractID}

	var resp matchContractResponse
	err := r.postJSON(ctx, "/match", &req, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Status == "error" {
		return nil, fmt.Errorf("%w: %v", ErrServerRejected,
			serverMessage(resp.Error, resp.Message))
	}

	return &resp, nil
}

func (r *restServerClient) SettleContract(ctx context.Context,
	contractID int64, difficulty float64) (*settleContractResponse,
	error) {

	req := struct {
		ContractID        int64   `json:"contract_id"`
		CurrentDifficulty float64 `json:"current_difficulty"`
	}{
		ContractID:        contractID,
		CurrentDifficulty: difficulty,
	}

	var resp settleContractResponse
	err := r.postJSON(ctx, "/settle", &req, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Result == "ERROR" {
		return nil, fmt.Errorf("%w: %v", ErrServerRejected,
			serverMessage(resp.Error, resp.Message))
	}

	return &resp, nil
}

func (r *restServerClient) SettleAll(ctx context.Context,
	difficulty float64) (*settleAllResponse, error) {

	req := struct {
		CurrentDifficulty float64 `json:"current_difficulty"`
	}{CurrentDifficulty: difficulty}

	var resp settleAllResponse
	if err := r.postJSON(ctx, "/settle_all", &req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

func (r *restServerClient) LastBlockTime(ctx context.Context) (*BlockTime,
	error) {

	var resp struct {
		Network           string `json:"network"`
		BlockHeight       int64  `json:"block_height"`
		SecondsSinceMined int64  `json:"seconds_since_mined"`
	}
	if err := r.getJSON(ctx, "/last-block-time", &resp); err != nil {
		return nil, err
	}

	return &BlockTime{
		Network:           resp.Network,
		BlockHeight:       resp.BlockHeight,
		SecondsSinceMined: resp.SecondsSinceMined,
	}, nil
}

func (r *restServerClient) RefundContract(ctx context.Context,
	contractID int64) (*refundContractResponse, error) {

	req := struct {
		ContractID int64 `json:"contract_id"`
	}{ContractID: contractID}

	var resp refundContractResponse
	err := r.postJSON(ctx, "/refund", &req, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Status == "error" {
		return nil, fmt.Errorf("%w: %v", ErrServerRejected,
			serverMessage(resp.Error, resp.Message))
	}

	return &resp, nil
}

func (r *restServerClient) CancelContract(ctx context.Context,
	contractID int64) error {

	req := struct {
		ContractID int64 `json:"contract_id"`
	}{ContractID: contractID}

	var resp struct {
		Status     string `json:"status"`
		ContractID int64  `json:"contract_id"`
	}
	err := r.postJSON(ctx, "/cancel_contract", &req, &resp)
	if err != nil {
		return err
	}
	if resp.Status != "cancelled" {
		return fmt.Errorf("%w: unexpected status %v",
			ErrServerRejected, resp.Status)
	}

	return nil
}

func (r *restServerClient) ClaimAll(ctx context.Context,
	userPubKey string) (*claimAllResponse, error) {

	req := struct {
		UserPubKey string `json:"user_pubkey"`
	}{UserPubKey: userPubKey}

	var resp claimAllResponse
	err := r.postJSON(ctx, "/claim_all", &req, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Status != "ready_to_sign" {
		return nil, fmt.Errorf("%w: %v", ErrServerRejected,
			serverMessage(resp.Error, resp.Message))
	}

	return &resp, nil
}

func (r *restServerClient) FetchContract(ctx context.Context,
	contractID int64) (*contractInfo, error) {

	var resp contractInfo
	path := fmt.Sprintf("/contract/%d", contractID)
	if err := r.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

func (r *restServerClient) UserContracts(ctx context.Context,
	userPubKey string) ([]*contractInfo, error) {

	var resp userContractsResponse
	path := "/contracts/user/" + url.PathEscape(userPubKey)
	if err := r.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}

	return resp.Contracts, nil
}

// serverMessage picks the most specific of the server's error fields.
func serverMessage(errMsg, message string) string {
	if errMsg != "" {
		return errMsg
	}
	if message != "" {
		return message
	}

	return "no details given"
}
