package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/kiro-gateway/kirogate/internal/config"
	"github.com/kiro-gateway/kirogate/internal/convstate"
	"github.com/kiro-gateway/kirogate/internal/credstore"
	"github.com/kiro-gateway/kirogate/internal/kiroauth"
	"github.com/kiro-gateway/kirogate/internal/kiroclient"
	"github.com/kiro-gateway/kirogate/internal/pool"
	"github.com/kiro-gateway/kirogate/internal/store"
)

const (
	usageCacheTTL = 5 * time.Minute
	probeModel    = "claude-sonnet-4-20250514"
)

// Admin implements the management surface (C9): thin CRUD over the account
// pool and store, following a manager-struct-per-resource idiom behind a
// shared-secret-guarded router group.
type Admin struct {
	cfg       *config.Config
	pool      *pool.Pool
	store     store.Store
	credStore *credstore.Store
	registry  *Registry
	client    *kiroclient.Client
	// sideIndex is an optional bbolt-backed accelerator for usage-cache reads
	// and bounded health-check history; nil disables it and every call falls
	// through to store directly.
	sideIndex *store.BoltSideIndex
}

// NewAdmin builds an Admin. sideIndex may be nil to disable the bbolt
// accelerator.
func NewAdmin(cfg *config.Config, p *pool.Pool, st store.Store, cs *credstore.Store, registry *Registry, client *kiroclient.Client, sideIndex *store.BoltSideIndex) *Admin {
	return &Admin{cfg: cfg, pool: p, store: st, credStore: cs, registry: registry, client: client, sideIndex: sideIndex}
}

// RegisterRoutes mounts the account-management and usage-reporting surface.
func (a *Admin) RegisterRoutes(rg gin.IRouter) {
	rg.GET("/accounts", a.listAccounts)
	rg.POST("/accounts", a.createAccount)
	rg.DELETE("/accounts/:id", a.deleteAccount)
	rg.POST("/accounts/:id/toggle", a.toggleAccount)
	rg.POST("/accounts/:id/health-check", a.healthCheckOne)
	rg.POST("/accounts/health-check", a.healthCheckAll)
	rg.POST("/accounts/reset-health", a.resetHealth)
	rg.POST("/accounts/batch-delete", a.batchDelete)
	rg.POST("/accounts/cleanup-duplicates", a.cleanupDuplicates)
	rg.POST("/accounts/generate-auth-url", a.generateAuthURL)
	rg.GET("/usage", a.usage)
	rg.GET("/usage/:id", a.usageOne)
	rg.GET("/accounts/:id/health-history", a.healthHistory)
}

func writeAdminError(c *gin.Context, status int, message string) {
	c.JSON(status, map[string]any{"error": map[string]any{"message": message}})
}

func (a *Admin) listAccounts(c *gin.Context) {
	accounts := a.pool.ListAccounts()
	counts := map[string]int{string(pool.ClassificationHealthy): 0, string(pool.ClassificationChecking): 0, string(pool.ClassificationBanned): 0}
	items := make([]map[string]any, 0, len(accounts))
	for _, acct := range accounts {
		cls := acct.Classify()
		counts[string(cls)]++
		items = append(items, map[string]any{
			"id":                    acct.ID,
			"dialect":               acct.Dialect,
			"cached_email":          acct.CachedEmail,
			"cached_user_id":        acct.CachedUserID,
			"healthy":               acct.Healthy,
			"disabled":              acct.Disabled,
			"error_count":           acct.ErrorCount,
			"usage_count":           acct.UsageCount,
			"last_used":             acct.LastUsed,
			"last_error_message":    acct.LastErrorMessage,
			"not_supported_models":  acct.NotSupportedModels,
			"classification":        cls,
			"last_health_check_model": acct.LastHealthCheckModel,
		})
	}
	c.JSON(http.StatusOK, map[string]any{"accounts": items, "counts": counts})
}

type createAccountRequest struct {
	ID                 string              `json:"id"`
	Credentials        kiroauth.Credentials `json:"credentials"`
	NotSupportedModels []string            `json:"not_supported_models"`
}

func (a *Admin) createAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAdminError(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.Credentials.AccessToken == "" && req.Credentials.RefreshToken == "" {
		writeAdminError(c, http.StatusBadRequest, "credentials must include at least a refresh token")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := a.credStore.SaveCredentials(req.ID, req.Credentials); err != nil {
		writeAdminError(c, http.StatusInternalServerError, err.Error())
		return
	}
	now := time.Now().UTC()
	account := pool.Account{
		ID:                 req.ID,
		CredentialsPath:    req.ID + ".json",
		Dialect:            pool.Dialect(req.Credentials.AuthMethod),
		NotSupportedModels: req.NotSupportedModels,
		Healthy:            true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := a.pool.Upsert(account); err != nil {
		writeAdminError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, map[string]any{"id": account.ID})
}

func (a *Admin) deleteAccount(c *gin.Context) {
	id := c.Param("id")
	if err := a.pool.Delete(id); err != nil {
		writeAdminError(c, http.StatusInternalServerError, err.Error())
		return
	}
	_ = a.credStore.Delete(id)
	a.registry.Forget(id)
	c.JSON(http.StatusOK, map[string]any{"deleted": id})
}

func (a *Admin) toggleAccount(c *gin.Context) {
	id := c.Param("id")
	acct, ok := a.pool.Get(id)
	if !ok {
		writeAdminError(c, http.StatusNotFound, "account not found")
		return
	}
	var err error
	if acct.Disabled {
		err = a.pool.Enable(id)
	} else {
		err = a.pool.Disable(id)
	}
	if err != nil {
		writeAdminError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, map[string]any{"id": id, "disabled": !acct.Disabled})
}

// probeRequestBody builds the minimal Claude Messages document the health
// probe sends upstream, via path-based sets rather than string
// concatenation so probeModel's value can never break the document shape.
func probeRequestBody() []byte {
	body, _ := sjson.SetBytes([]byte(`{}`), "model", probeModel)
	body, _ = sjson.SetBytes(body, "messages.0.role", "user")
	body, _ = sjson.SetBytes(body, "messages.0.content", "ping")
	return body
}

// probe forces a token refresh and a minimal upstream round-trip to verify
// an account is actually usable.
func (a *Admin) probe(ctx context.Context, acct pool.Account) (success bool, modelName, errMsg string) {
	manager, err := a.registry.Manager(acct)
	if err != nil {
		return false, probeModel, err.Error()
	}
	if err = manager.EnsureFresh(ctx, true); err != nil {
		return false, probeModel, err.Error()
	}
	built, err := convstate.Build(probeRequestBody(), convstate.BuildOptions{})
	if err != nil {
		return false, probeModel, err.Error()
	}
	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	body, _, sendErr := a.client.Send(probeCtx, built.Model, manager.Snapshot().AccessToken, built.ConversationState)
	if sendErr != nil {
		return false, probeModel, sendErr.Error()
	}
	_ = body.Close()
	return true, probeModel, ""
}

func (a *Admin) recordAndApply(id string, success bool, modelName, errMsg string) {
	if success {
		_ = a.pool.MarkHealthy(id, true, modelName, "", "")
	} else {
		_ = a.pool.MarkUnhealthy(id, pool.FailureOther, errMsg)
	}
	rec := store.HealthCheckRecord{
		AccountID: id, Success: success, CheckModel: modelName, ErrorMessage: errMsg, CheckTime: time.Now().UTC(),
	}
	if err := a.store.RecordHealthCheck(rec); err != nil {
		log.WithError(err).WithField("account", id).Warn("gateway: record health check failed")
	}
	if a.sideIndex != nil {
		if err := a.sideIndex.RecordHealthCheck(rec); err != nil {
			log.WithError(err).WithField("account", id).Warn("gateway: side-index record health check failed")
		}
	}
}

// healthHistory serves the bbolt side index's bounded recent health-check
// ring for one account. Returns an empty list (not an error) when the side
// index is disabled, since history here is an accelerator, not the
// system of record.
func (a *Admin) healthHistory(c *gin.Context) {
	id := c.Param("id")
	if _, ok := a.pool.Get(id); !ok {
		writeAdminError(c, http.StatusNotFound, "account not found")
		return
	}
	if a.sideIndex == nil {
		c.JSON(http.StatusOK, map[string]any{"history": []store.HealthCheckRecord{}})
		return
	}
	limit := 20
	hist, err := a.sideIndex.RecentHealthHistory(id, limit)
	if err != nil {
		writeAdminError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, map[string]any{"history": hist})
}

func (a *Admin) healthCheckOne(c *gin.Context) {
	id := c.Param("id")
	acct, ok := a.pool.Get(id)
	if !ok {
		writeAdminError(c, http.StatusNotFound, "account not found")
		return
	}
	success, modelName, errMsg := a.probe(c.Request.Context(), acct)
	a.recordAndApply(id, success, modelName, errMsg)
	c.JSON(http.StatusOK, map[string]any{"success": success, "modelName": modelName, "error": errMsg})
}

func (a *Admin) healthCheckAll(c *gin.Context) {
	accounts := a.pool.ListAccounts()
	concurrency := a.cfg.HealthCheckConcurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]map[string]any, len(accounts))

	for i, acct := range accounts {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, acct pool.Account) {
			defer wg.Done()
			defer func() { <-sem }()
			success, modelName, errMsg := a.probe(c.Request.Context(), acct)
			a.recordAndApply(acct.ID, success, modelName, errMsg)
			results[i] = map[string]any{"id": acct.ID, "success": success, "modelName": modelName, "error": errMsg}
		}(i, acct)
	}
	wg.Wait()
	c.JSON(http.StatusOK, map[string]any{"results": results})
}

type resetHealthRequest struct {
	IDs []string `json:"ids"`
}

func (a *Admin) resetHealth(c *gin.Context) {
	var req resetHealthRequest
	_ = c.ShouldBindJSON(&req)
	targets := req.IDs
	if len(targets) == 0 {
		for _, acct := range a.pool.ListAccounts() {
			targets = append(targets, acct.ID)
		}
	}
	for _, id := range targets {
		_ = a.pool.MarkHealthy(id, false, "", "", "")
	}
	c.JSON(http.StatusOK, map[string]any{"reset": targets})
}

type batchDeleteRequest struct {
	IDs []string `json:"ids"`
}

func (a *Admin) batchDelete(c *gin.Context) {
	var req batchDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAdminError(c, http.StatusBadRequest, err.Error())
		return
	}
	for _, id := range req.IDs {
		_ = a.pool.Delete(id)
		_ = a.credStore.Delete(id)
		a.registry.Forget(id)
	}
	c.JSON(http.StatusOK, map[string]any{"deleted": req.IDs})
}

// cleanupDuplicates groups accounts by cached_user_id, keeps the
// lowest-ID account in each group, and either plans or executes removal of
// the rest — an extra credentials file is only deleted once no surviving
// account still references the same path.
func (a *Admin) cleanupDuplicates(c *gin.Context) {
	dryRun := c.Query("dryRun") != "false"

	accounts := a.pool.ListAccounts()
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })

	pathRefs := map[string]int{}
	groups := map[string][]pool.Account{}
	for _, acct := range accounts {
		pathRefs[acct.CredentialsPath]++
		if acct.CachedUserID != "" {
			groups[acct.CachedUserID] = append(groups[acct.CachedUserID], acct)
		}
	}

	var toDelete []pool.Account
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		toDelete = append(toDelete, group[1:]...)
	}

	plan := make([]map[string]any, 0, len(toDelete))
	for _, acct := range toDelete {
		plan = append(plan, map[string]any{"id": acct.ID, "cached_user_id": acct.CachedUserID})
	}

	if dryRun {
		c.JSON(http.StatusOK, map[string]any{"dry_run": true, "would_delete": plan})
		return
	}

	deleted := make([]string, 0, len(toDelete))
	for _, acct := range toDelete {
		if err := a.pool.Delete(acct.ID); err != nil {
			log.WithError(err).WithField("account", acct.ID).Warn("gateway: cleanup-duplicates delete failed")
			continue
		}
		a.registry.Forget(acct.ID)
		pathRefs[acct.CredentialsPath]--
		if pathRefs[acct.CredentialsPath] <= 0 {
			_ = a.credStore.Delete(acct.ID)
		}
		deleted = append(deleted, acct.ID)
	}
	c.JSON(http.StatusOK, map[string]any{"dry_run": false, "deleted": deleted})
}

// fetchUsage forces a token refresh and reports the account's live status.
// No upstream usage/quota endpoint appears anywhere in the retrieval pack,
// so this reports refresh-health rather than a metered quota document —
// the cache/TTL/concurrency machinery around it is still fully exercised.
func (a *Admin) fetchUsage(ctx context.Context, acct pool.Account) []byte {
	manager, err := a.registry.Manager(acct)
	if err != nil {
		payload, _ := json.Marshal(map[string]any{"account_id": acct.ID, "status": "error", "error": err.Error()})
		return payload
	}
	status, errMsg := "ok", ""
	if refreshErr := manager.EnsureFresh(ctx, true); refreshErr != nil {
		status, errMsg = "error", refreshErr.Error()
	}
	payload, _ := json.Marshal(map[string]any{
		"account_id": acct.ID,
		"status":     status,
		"error":      errMsg,
		"checked_at": time.Now().UTC().Format(time.RFC3339),
	})
	return payload
}

// cacheUsage writes through to both the primary store and, when enabled,
// the bbolt side index, so the index never drifts ahead of the system of
// record.
func (a *Admin) cacheUsage(entry store.UsageCacheEntry) {
	if err := a.store.SetUsageCache(entry); err != nil {
		log.WithError(err).WithField("account", entry.AccountID).Warn("gateway: set usage cache failed")
	}
	if a.sideIndex != nil {
		if err := a.sideIndex.CacheUsage(entry); err != nil {
			log.WithError(err).WithField("account", entry.AccountID).Warn("gateway: side-index cache usage failed")
		}
	}
}

func (a *Admin) usage(c *gin.Context) {
	refresh := c.Query("refresh") == "true"
	accounts := a.pool.ListAccounts()
	ids := make([]string, len(accounts))
	for i, acct := range accounts {
		ids[i] = acct.ID
	}

	cached, err := a.store.GetUsageCacheBatch(ids)
	if err != nil {
		writeAdminError(c, http.StatusInternalServerError, err.Error())
		return
	}

	results := map[string]json.RawMessage{}
	var stale []pool.Account
	for _, acct := range accounts {
		if !refresh {
			if entry, ok := cached[acct.ID]; ok {
				results[acct.ID] = entry.Payload
				continue
			}
			if a.sideIndex != nil {
				if entry, err := a.sideIndex.LookupUsage(acct.ID); err == nil && entry != nil {
					results[acct.ID] = entry.Payload
					continue
				}
			}
		}
		stale = append(stale, acct)
	}

	if len(stale) > 0 {
		concurrency := a.cfg.UsageQueryConcurrency
		if concurrency <= 0 {
			concurrency = 10
		}
		sem := make(chan struct{}, concurrency)
		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, acct := range stale {
			wg.Add(1)
			sem <- struct{}{}
			go func(acct pool.Account) {
				defer wg.Done()
				defer func() { <-sem }()
				payload := a.fetchUsage(c.Request.Context(), acct)
				now := time.Now().UTC()
				a.cacheUsage(store.UsageCacheEntry{AccountID: acct.ID, Payload: payload, CachedAt: now, ExpiresAt: now.Add(usageCacheTTL)})
				mu.Lock()
				results[acct.ID] = payload
				mu.Unlock()
			}(acct)
		}
		wg.Wait()
	}

	c.JSON(http.StatusOK, map[string]any{"usage": results})
}

func (a *Admin) usageOne(c *gin.Context) {
	id := c.Param("id")
	acct, ok := a.pool.Get(id)
	if !ok {
		writeAdminError(c, http.StatusNotFound, "account not found")
		return
	}
	if c.Query("refresh") != "true" {
		if entry, err := a.store.GetUsageCache(id); err == nil && entry != nil {
			c.Data(http.StatusOK, "application/json", entry.Payload)
			return
		}
		if a.sideIndex != nil {
			if entry, err := a.sideIndex.LookupUsage(id); err == nil && entry != nil {
				c.Data(http.StatusOK, "application/json", entry.Payload)
				return
			}
		}
	}
	payload := a.fetchUsage(c.Request.Context(), acct)
	now := time.Now().UTC()
	a.cacheUsage(store.UsageCacheEntry{AccountID: id, Payload: payload, CachedAt: now, ExpiresAt: now.Add(usageCacheTTL)})
	c.Data(http.StatusOK, "application/json", payload)
}

type generateAuthURLRequest struct {
	StartURL     string `json:"start_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Region       string `json:"region"`
}

// generateAuthURL starts the headless device-code bootstrap flow and
// completes it in the background: once the operator finishes the
// verification step, the new account is imported automatically.
func (a *Admin) generateAuthURL(c *gin.Context) {
	var req generateAuthURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAdminError(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.Region == "" {
		req.Region = "us-east-1"
	}

	auth, err := kiroauth.StartDeviceAuthorization(c.Request.Context(), nil, req.StartURL, req.ClientID, req.ClientSecret, req.Region)
	if err != nil {
		writeAdminError(c, http.StatusBadGateway, err.Error())
		return
	}

	go a.completeDeviceAuth(auth, req)

	c.JSON(http.StatusOK, map[string]any{
		"verification_uri":          auth.VerificationURI,
		"verification_uri_complete": auth.VerificationURIComplete,
		"user_code":                 auth.UserCode,
		"expires_at":                auth.ExpiresAt,
	})
}

func (a *Admin) completeDeviceAuth(auth kiroauth.DeviceAuthorization, req generateAuthURLRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	creds, err := kiroauth.PollDeviceToken(ctx, nil, auth, req.ClientID, req.ClientSecret, req.Region)
	if err != nil {
		log.WithError(err).Warn("gateway: device authorization did not complete")
		return
	}

	id := uuid.NewString()
	if err = a.credStore.SaveCredentials(id, creds); err != nil {
		log.WithError(err).Error("gateway: persist device-authorized credentials failed")
		return
	}
	now := time.Now().UTC()
	account := pool.Account{
		ID:              id,
		CredentialsPath: id + ".json",
		Dialect:         pool.Dialect(creds.AuthMethod),
		Healthy:         true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err = a.pool.Upsert(account); err != nil {
		log.WithError(err).Error("gateway: register device-authorized account failed")
	}
}
