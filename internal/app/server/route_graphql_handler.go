package server

import (
	"net/http"

	gqlhandler "github.com/graphql-go/handler"

	"warden/internal/authorization"
	gqlschema "warden/internal/graphql"
)

func newGraphQLHandler(deps Deps) (http.Handler, error) {
	schema, err := gqlschema.NewSchema(gqlschema.Resolvers{
		Lists:       deps.Lists,
		Cache:       deps.Cache,
		Coordinator: deps.Coordinator,
	})
	if err != nil {
		return nil, err
	}

	base := gqlhandler.New(&gqlhandler.Config{
		Schema:   &schema,
		Pretty:   true,
		GraphiQL: false,
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := gqlschema.WithAdmin(r.Context(), authorization.IsAdminRequest(r))
		base.ContextHandler(ctx, w, r)
	}), nil
}
