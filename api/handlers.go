package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"trongateway-core/cache"
	"trongateway-core/core"
	"trongateway-core/store"
)

func writeError(w http.ResponseWriter, err error) {
	kind, ok := core.KindOf(err)
	status := http.StatusInternalServerError
	if ok {
		status = kind.HTTPStatus()
	} else {
		kind = "Internal"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   string(kind),
		"message": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// multiAddressQuery serves spec.md §4.7: GET /v1/transactions with a
// comma-separated address list and optional filters in the query string.
func (s *Server) multiAddressQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	addrParam := q.Get("addresses")
	if addrParam == "" {
		writeError(w, core.NewError(core.ErrAddressCountRange, nil))
		return
	}
	seen := make(map[core.Address]bool)
	var addresses []core.Address
	for _, raw := range strings.Split(addrParam, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		addr, err := core.ParseAddress(raw)
		if err != nil {
			writeError(w, core.NewError(core.ErrInvalidInput, err))
			return
		}
		if !seen[addr] {
			seen[addr] = true
			addresses = append(addresses, addr)
		}
	}
	if len(addresses) == 0 || len(addresses) > 100 {
		writeError(w, core.NewError(core.ErrAddressCountRange, nil))
		return
	}

	page := 1
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, core.NewError(core.ErrInvalidInput, nil))
			return
		}
		page = n
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, core.NewError(core.ErrLimitOutOfRange, nil))
			return
		}
		limit = n
	}

	params := store.MultiAddressParams{
		Addresses:      addresses,
		Page:           page - 1,
		Limit:          limit,
		TokenSymbol:    q.Get("token"),
		Status:         core.TxStatus(q.Get("status")),
		GroupByAddress: q.Get("group_by_address") == "true",
	}
	if v := q.Get("min_value"); v != "" {
		params.MinValue = &v
	}
	if v := q.Get("max_value"); v != "" {
		params.MaxValue = &v
	}
	if v := q.Get("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, core.NewError(core.ErrInvalidInput, err))
			return
		}
		params.StartTime = &t
	}
	if v := q.Get("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, core.NewError(core.ErrInvalidInput, err))
			return
		}
		params.EndTime = &t
	}
	if params.StartTime != nil && params.EndTime != nil && params.StartTime.After(*params.EndTime) {
		writeError(w, core.NewError(core.ErrTimeRangeInverted, nil))
		return
	}

	cacheKey := queryCacheKey(addresses, params)
	if s.cache != nil {
		if cached, ok := s.cache.GetQuery(cacheKey); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "hit")
			_, _ = w.Write(cached)
			return
		}
	}

	start := time.Now()
	groupBy := params.GroupByAddress
	storeParams := params
	storeParams.GroupByAddress = false
	result, err := s.store.MultiAddressQuery(r.Context(), storeParams)
	if err != nil {
		writeError(w, err)
		return
	}
	if groupBy {
		stats, err := s.addressStats(r.Context(), addresses)
		if err != nil {
			writeError(w, err)
			return
		}
		result.Stats = stats
	}

	body, err := json.Marshal(multiAddressResponse(result, params, time.Since(start)))
	if err != nil {
		writeError(w, err)
		return
	}
	if s.cache != nil {
		s.cache.PutQuery(cacheKey, body)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", "miss")
	_, _ = w.Write(body)
}

// addressStats resolves per-address counters for the group-by-address
// response, consulting the Cache's addr:stats:{address} keyspace first
// (spec.md §4.4) before falling back to the Store, per-address so a
// repeated address across queries is only recomputed once per TTL window.
func (s *Server) addressStats(ctx context.Context, addresses []core.Address) (map[core.Address]core.AddressCounters, error) {
	stats := make(map[core.Address]core.AddressCounters, len(addresses))
	for _, a := range addresses {
		if s.cache != nil {
			if c, ok := s.cache.GetStats(a); ok {
				stats[a] = c
				continue
			}
		}
		c, err := s.store.AddressCounters(ctx, a)
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			s.cache.PutStats(c)
		}
		stats[a] = c
	}
	return stats, nil
}

// multiAddressResponse wraps a store.MultiAddressResult in the wire shape
// spec.md §6 requires: {success, data:{transactions, address_stats?,
// query_time_ms}, pagination:{page, limit, total, total_pages}}.
func multiAddressResponse(result store.MultiAddressResult, p store.MultiAddressParams, elapsed time.Duration) map[string]any {
	data := map[string]any{
		"transactions":  result.Items,
		"query_time_ms": elapsed.Milliseconds(),
	}
	if p.GroupByAddress {
		data["address_stats"] = result.Stats
	}
	totalPages := int64(0)
	if p.Limit > 0 {
		totalPages = (result.Total + int64(p.Limit) - 1) / int64(p.Limit)
	}
	return map[string]any{
		"success": true,
		"data":    data,
		"pagination": map[string]any{
			"page":        p.Page + 1,
			"limit":       p.Limit,
			"total":       result.Total,
			"total_pages": totalPages,
		},
	}
}

func queryCacheKey(addresses []core.Address, p store.MultiAddressParams) string {
	hexes := make([]string, len(addresses))
	for i, a := range addresses {
		hexes[i] = a.Hex()
	}
	sortStrings(hexes)
	minV := ""
	if p.MinValue != nil {
		minV = *p.MinValue
	}
	maxV, startV, endV := "", "", ""
	if p.MaxValue != nil {
		maxV = *p.MaxValue
	}
	if p.StartTime != nil {
		startV = p.StartTime.UTC().Format(time.RFC3339)
	}
	if p.EndTime != nil {
		endV = p.EndTime.UTC().Format(time.RFC3339)
	}
	key := cache.QueryKey(strings.Join(hexes, ","), p.TokenSymbol, string(p.Status), minV, p.GroupByAddress, p.Page, p.Limit)
	return key + ":" + maxV + ":" + startV + ":" + endV
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// replayDeadLetter serves the operator admin action recovered from
// original_source/ (SPEC_FULL.md §10): POST /v1/admin/deliveries/{id}/replay.
func (s *Server) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	perms := permissionsFromContext(r.Context())
	if !hasPermission(perms, "admin:replay") {
		writeError(w, core.NewError(core.ErrForbidden, nil))
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.store.ReplayDeadLetter(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "replaying"})
}

func hasPermission(perms []string, want string) bool {
	for _, p := range perms {
		if p == want {
			return true
		}
	}
	return false
}
