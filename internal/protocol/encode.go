package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gpuminer/internal/config"
	"gpuminer/internal/work"
)

// loginAndWorker splits "user.worker"-style pool usernames the way
// ethproxy-dialect pools expect; the worker name, when present, travels
// in a separate "worker" field on later calls.
func (e *Engine) loginAndWorker() (login, worker string) {
	if i := strings.IndexByte(e.pool.User, '.'); i >= 0 {
		return e.pool.User[:i], e.pool.User[i+1:]
	}
	return e.pool.User, ""
}

func (e *Engine) encodeSubscribe() []byte {
	switch e.pool.Dialect {
	case config.DialectEthereumStratum:
		return mustMarshal(rpcRequest{
			ID:     idSubscribe,
			Method: "mining.subscribe",
			Params: []interface{}{clientVersion, "EthereumStratum/1.0.0"},
		})
	case config.DialectEthproxy:
		login, _ := e.loginAndWorker()
		params := []interface{}{login}
		if e.pool.Email != "" {
			params = append(params, e.pool.Email)
		}
		return mustMarshal(rpcRequest{ID: idSubscribe, Method: "eth_submitLogin", Params: params})
	default:
		return mustMarshal(rpcRequest{ID: idSubscribe, Method: "mining.subscribe", Params: []interface{}{}})
	}
}

func (e *Engine) encodeExtranonceSubscribe() []byte {
	return mustMarshal(rpcRequest{ID: idExtranonceSubscribe, Method: "mining.extranonce.subscribe", Params: []interface{}{}})
}

func (e *Engine) encodeAuthorize() []byte {
	return mustMarshal(rpcRequest{
		ID:     idAuthorize,
		Method: "mining.authorize",
		Params: []interface{}{e.pool.User, e.pool.Password},
	})
}

func (e *Engine) encodeGetWork() []byte {
	return mustMarshal(rpcRequest{ID: idGetWork, Method: "eth_getWork", Params: []interface{}{}})
}

func (e *Engine) encodeSubmit(sol work.Solution) ([]byte, error) {
	nonceHex := fmt.Sprintf("0x%016x", sol.Nonce)
	headerHex := "0x" + hexString(sol.Work.Header[:])
	mixHex := "0x" + hexString(sol.MixHash[:])

	switch e.pool.Dialect {
	case config.DialectEthproxy:
		_, worker := e.loginAndWorker()
		return mustMarshalWorker(idSubmit, worker, "eth_submitWork", []interface{}{nonceHex, headerHex, mixHex}), nil

	case config.DialectEthereumStratum:
		jobID := sol.Work.JobID
		if sol.Work.JobLen > 0 && sol.Work.JobLen <= len(jobID) {
			jobID = jobID[:sol.Work.JobLen]
		}
		// The extranonce-sized high bits of the nonce are implicit on
		// the pool side; only the low (64-extraSizeBits) bits travel.
		nonceTail := nonceHex[2:]
		if sol.Work.ExtraSizeBits > 0 {
			skip := sol.Work.ExtraSizeBits / 4
			if skip < len(nonceTail) {
				nonceTail = nonceTail[skip:]
			}
		}
		return mustMarshal(rpcRequest{
			ID:     idSubmit,
			Method: "mining.submit",
			Params: []interface{}{e.pool.User, jobID, nonceTail},
		}), nil

	default: // stratum
		jobID := sol.Work.JobID
		return mustMarshal(rpcRequest{
			ID:     idSubmit,
			Method: "mining.submit",
			Params: []interface{}{e.pool.User, jobID, nonceHex, headerHex, mixHex},
		}), nil
	}
}

func (e *Engine) encodeSubmitHashrate(hashesPerSecond float64) []byte {
	rateHex := "0x" + strconv.FormatUint(uint64(hashesPerSecond), 16)
	return mustMarshal(rpcRequest{
		ID:      idSubmitHashrate,
		JSONRPC: "2.0",
		Method:  "eth_submitHashrate",
		Params:  []interface{}{rateHex, "0x" + e.runUUID.String()},
	})
}

type rpcRequest struct {
	ID      int           `json:"id"`
	JSONRPC string        `json:"jsonrpc,omitempty"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcRequestWithWorker struct {
	ID     int           `json:"id"`
	Worker string        `json:"worker,omitempty"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

func mustMarshalWorker(id int, worker, method string, params []interface{}) []byte {
	body, err := json.Marshal(rpcRequestWithWorker{ID: id, Worker: worker, Method: method, Params: params})
	if err != nil {
		panic(err) // unreachable: all fields are marshalable primitives
	}
	return body
}

func mustMarshal(r rpcRequest) []byte {
	body, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	return body
}

const hexDigits = "0123456789abcdef"

func hexString(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xF]
	}
	return string(out)
}
