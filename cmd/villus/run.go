package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tidwall/gjson"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"go.uber.org/zap"

	"github.com/pipe01/villus/internal/cache"
	"github.com/pipe01/villus/internal/client"
	eventbus "github.com/pipe01/villus/internal/eventbus"
	"github.com/pipe01/villus/internal/fetch"
	"github.com/pipe01/villus/internal/graphqlws"
	"github.com/pipe01/villus/internal/logger"
	"github.com/pipe01/villus/internal/operation"
	"github.com/pipe01/villus/internal/otel"
	"github.com/pipe01/villus/internal/subscription"
)

// session holds everything one command invocation opened.
type session struct {
	client    *client.Client
	logger    logger.Logger
	store     cache.Store
	forwarder *graphqlws.Forwarder
	shutdown  func(context.Context) error
}

func openSession(v *viper.Viper) (*session, error) {
	log, err := logger.NewLogger(v.GetString(logFormatFlag), v.GetString(logLevelFlag))
	if err != nil {
		return nil, err
	}
	headers, err := parseHeaders(v.GetStringSlice(headerFlag))
	if err != nil {
		return nil, err
	}
	policy, err := operation.ParseCachePolicy(v.GetString(cachePolicyFlag))
	if err != nil {
		return nil, err
	}

	eventbus.Use(eventbus.New())
	shutdown, err := otel.Setup(v.GetString(otelEndpointFlag), v.GetString(otelServiceFlag))
	if err != nil {
		return nil, fmt.Errorf("otel setup: %w", err)
	}
	s := &session{logger: log, shutdown: shutdown}

	if addr := v.GetString(redisAddrFlag); addr != "" {
		s.store = cache.NewRedisStore(redis.NewClient(&redis.Options{Addr: addr}), cache.WithOwnedClient())
	}

	url, wsURL := v.GetString(urlFlag), v.GetString(wsURLFlag)
	var forward subscription.Forwarder
	if wsURL != "" {
		s.forwarder = graphqlws.New(wsURL, graphqlws.WithHeader(headers), graphqlws.WithLogger(log))
		forward = s.forwarder.Forward
		if url == "" {
			// subscriptions never reach the HTTP stages
			url = wsURL
		}
	}

	c, err := client.New(client.Options{
		URL:                   url,
		CachePolicy:           policy,
		SubscriptionForwarder: forward,
		Store:                 s.store,
		Fetch: []fetch.Option{
			fetch.WithHTTPClient(&http.Client{Timeout: v.GetDuration(timeoutFlag)}),
			fetch.WithRetryMax(v.GetInt(retryMaxFlag)),
		},
		Headers: headers,
		Logger:  log,
		OnBackgroundError: func(ctx context.Context, key operation.Key, err error) {
			log.WarnWithContext(ctx, "background work failed", zap.String("key", string(key)), zap.Error(err))
		},
	})
	if err != nil {
		s.close(context.Background())
		return nil, err
	}
	s.client = c
	return s, nil
}

func (s *session) close(ctx context.Context) {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.Warn("close client", zap.Error(err))
		}
	}
	if s.forwarder != nil {
		s.forwarder.Wait()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("close cache store", zap.Error(err))
		}
	}
	if err := s.shutdown(ctx); err != nil {
		s.logger.Warn("shutdown tracing", zap.Error(err))
	}
	eventbus.Use(nil)
}

func runOperation(cmd *cobra.Command, v *viper.Viper, op operation.Operation, typ operation.Type) error {
	s, err := openSession(v)
	if err != nil {
		return err
	}
	defer s.close(context.WithoutCancel(cmd.Context()))

	var r operation.Result
	if typ == operation.Mutation {
		r, err = s.client.ExecuteMutation(cmd.Context(), op)
	} else {
		r, err = s.client.ExecuteQuery(cmd.Context(), op)
	}
	if err != nil {
		return err
	}
	if err := printResult(cmd, r); err != nil {
		return err
	}
	if r.Error != nil {
		return errOperationFailed
	}
	return nil
}

func runSubscription(cmd *cobra.Command, v *viper.Viper, op operation.Operation) error {
	s, err := openSession(v)
	if err != nil {
		return err
	}
	defer s.close(context.WithoutCancel(cmd.Context()))

	sub, err := client.NewSubscription[operation.Result](s.client, op, latestItem)
	if err != nil {
		return fmt.Errorf("%w (set --%s)", err, wsURLFlag)
	}
	limit, _ := cmd.Flags().GetInt(countFlag)

	changes := make(chan subscription.State[operation.Result])
	stop := make(chan struct{})
	defer sub.Close()
	defer close(stop)
	sub.OnChange(func(st subscription.State[operation.Result]) {
		select {
		case changes <- st:
		case <-stop:
		}
	})
	sub.Start()

	failed := false
	for n := 0; limit == 0 || n < limit; {
		select {
		case st := <-changes:
			if st.Completed {
				return subscriptionErr(failed)
			}
			if err := printResult(cmd, st.Data); err != nil {
				return err
			}
			failed = failed || st.Error != nil
			n++
		case <-cmd.Context().Done():
			return nil
		}
	}
	return subscriptionErr(failed)
}

// latestItem keeps every item whole so it can be printed with its errors.
func latestItem(_ *operation.Result, r operation.Result) operation.Result { return r }

func subscriptionErr(failed bool) error {
	if failed {
		return errOperationFailed
	}
	return nil
}

func readOperation(cmd *cobra.Command, args []string) (operation.Operation, error) {
	var src []byte
	var err error
	switch {
	case len(args) == 0 || args[0] == "-":
		src, err = io.ReadAll(cmd.InOrStdin())
	case strings.HasPrefix(args[0], "@"):
		src, err = os.ReadFile(strings.TrimPrefix(args[0], "@"))
	default:
		src = []byte(args[0])
	}
	if err != nil {
		return operation.Operation{}, fmt.Errorf("read document: %w", err)
	}
	query := strings.TrimSpace(string(src))
	if query == "" {
		return operation.Operation{}, fmt.Errorf("empty document")
	}

	op := operation.Operation{Query: query}
	raw, _ := cmd.Flags().GetString(variablesFlag)
	if raw != "" {
		if !gjson.Valid(raw) || !gjson.Parse(raw).IsObject() {
			return operation.Operation{}, fmt.Errorf("--%s must be a JSON object", variablesFlag)
		}
		if err := json.Unmarshal([]byte(raw), &op.Variables); err != nil {
			return operation.Operation{}, fmt.Errorf("decode variables: %w", err)
		}
	}
	return op, nil
}

func parseHeaders(values []string) (http.Header, error) {
	h := http.Header{}
	for _, v := range values {
		name, value, ok := strings.Cut(v, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, want 'Name: value'", v)
		}
		h.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return h, nil
}

// printResult writes r as a GraphQL response, or the value at --path of it.
func printResult(cmd *cobra.Command, r operation.Result) error {
	resp := fetch.Response{Data: r.Data}
	if r.Error != nil {
		resp.Errors = append(resp.Errors, r.Error.GraphQLErrors...)
		if r.Error.NetworkError != nil {
			resp.Errors = append(resp.Errors, &gqlerror.Error{
				Message:    r.Error.NetworkError.Error(),
				Extensions: map[string]any{"network": true, "status": r.Error.StatusCode},
			})
		}
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	if path, _ := cmd.Flags().GetString(pathFlag); path != "" {
		res := gjson.GetBytes(b, path)
		if !res.Exists() {
			return fmt.Errorf("path %q not found in response", path)
		}
		b = []byte(res.Raw)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
