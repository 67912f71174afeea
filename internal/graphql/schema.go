package graphql

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gql "github.com/graphql-go/graphql"

	"warden/internal/database"
	"warden/internal/domain"
	"warden/internal/exclusion"
	"warden/internal/exclusion/matcher"
	"warden/internal/lists"
)

// Resolvers is what the schema reads from and writes to.
type Resolvers struct {
	Lists       *lists.Service
	Cache       *exclusion.Cache
	Coordinator *exclusion.Coordinator
}

func NewSchema(r Resolvers) (gql.Schema, error) {
	if r.Lists == nil || r.Cache == nil || r.Coordinator == nil {
		return gql.Schema{}, errors.New("graphql: resolvers are incomplete")
	}

	exclusionListType := gql.NewObject(gql.ObjectConfig{
		Name: "ExclusionList",
		Fields: gql.Fields{
			"id":          &gql.Field{Type: gql.NewNonNull(gql.ID)},
			"name":        &gql.Field{Type: gql.NewNonNull(gql.String)},
			"description": &gql.Field{Type: gql.NewNonNull(gql.String)},
			"enabled":     &gql.Field{Type: gql.NewNonNull(gql.Boolean)},
			"entityTypes": &gql.Field{Type: gql.NewNonNull(gql.NewList(gql.NewNonNull(gql.String)))},
			"valuesCount": &gql.Field{Type: gql.NewNonNull(gql.Int)},
			"contentSize": &gql.Field{Type: gql.NewNonNull(gql.Int)},
			"contentHash": &gql.Field{Type: gql.NewNonNull(gql.String)},
			"createdAt":   &gql.Field{Type: gql.DateTime},
			"updatedAt":   &gql.Field{Type: gql.DateTime},
			"content": &gql.Field{
				Type: gql.String,
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					data, ok := p.Source.(map[string]interface{})
					if !ok {
						return nil, nil
					}
					list, ok := data["record"].(domain.ExclusionList)
					if !ok {
						return nil, nil
					}
					return r.Lists.Content(p.Context, list)
				},
			},
		},
	})

	cacheStatusType := gql.NewObject(gql.ObjectConfig{
		Name: "ExclusionListCacheStatus",
		Fields: gql.Fields{
			"refreshVersion":           &gql.Field{Type: gql.NewNonNull(gql.Float)},
			"cacheVersion":             &gql.Field{Type: gql.NewNonNull(gql.Float)},
			"isCacheRebuildInProgress": &gql.Field{Type: gql.NewNonNull(gql.Boolean)},
			"localVersion":             &gql.Field{Type: gql.NewNonNull(gql.Float)},
			"state":                    &gql.Field{Type: gql.NewNonNull(gql.String)},
			"leader":                   &gql.Field{Type: gql.NewNonNull(gql.Boolean)},
			"lists":                    &gql.Field{Type: gql.NewNonNull(gql.Int)},
			"failedLists":              &gql.Field{Type: gql.NewNonNull(gql.Int)},
			"entries":                  &gql.Field{Type: gql.NewNonNull(gql.Int)},
			"builtAt":                  &gql.Field{Type: gql.DateTime},
			"lastError":                &gql.Field{Type: gql.String},
		},
	})

	checkResultType := gql.NewObject(gql.ObjectConfig{
		Name: "ExclusionListCheck",
		Fields: gql.Fields{
			"excluded": &gql.Field{Type: gql.NewNonNull(gql.Boolean)},
			"listId":   &gql.Field{Type: gql.ID},
			"type":     &gql.Field{Type: gql.String},
		},
	})

	typesArg := &gql.ArgumentConfig{Type: gql.NewList(gql.NewNonNull(gql.String))}

	queryType := gql.NewObject(gql.ObjectConfig{
		Name: "Query",
		Fields: gql.Fields{
			"exclusionLists": &gql.Field{
				Type: gql.NewNonNull(gql.NewList(gql.NewNonNull(exclusionListType))),
				Args: gql.FieldConfigArgument{
					"search":  &gql.ArgumentConfig{Type: gql.String},
					"enabled": &gql.ArgumentConfig{Type: gql.Boolean},
					"orderBy": &gql.ArgumentConfig{Type: gql.String},
					"desc":    &gql.ArgumentConfig{Type: gql.Boolean},
				},
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					filter := database.ExclusionListFilter{}
					filter.Search, _ = p.Args["search"].(string)
					filter.OrderBy, _ = p.Args["orderBy"].(string)
					filter.Desc, _ = p.Args["desc"].(bool)
					if enabled, ok := p.Args["enabled"].(bool); ok {
						filter.Enabled = &enabled
					}

					records, err := r.Lists.List(p.Context, filter)
					if err != nil {
						return nil, err
					}
					items := make([]map[string]interface{}, 0, len(records))
					for _, rec := range records {
						items = append(items, buildExclusionList(rec))
					}
					return items, nil
				},
			},
			"exclusionList": &gql.Field{
				Type: exclusionListType,
				Args: gql.FieldConfigArgument{
					"id": &gql.ArgumentConfig{Type: gql.NewNonNull(gql.ID)},
				},
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					id, _ := p.Args["id"].(string)
					record, err := r.Lists.Get(p.Context, id)
					if errors.Is(err, lists.ErrNotFound) {
						return nil, nil
					}
					if err != nil {
						return nil, err
					}
					return buildExclusionList(record), nil
				},
			},
			"exclusionListCacheStatus": &gql.Field{
				Type: gql.NewNonNull(cacheStatusType),
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					report, err := r.Coordinator.Report(p.Context)
					if err != nil {
						return nil, err
					}
					return buildCacheStatus(report), nil
				},
			},
			"exclusionListCheck": &gql.Field{
				Type: gql.NewNonNull(checkResultType),
				Args: gql.FieldConfigArgument{
					"value": &gql.ArgumentConfig{Type: gql.NewNonNull(gql.String)},
					"types": typesArg,
				},
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					value, _ := p.Args["value"].(string)
					types, err := parseTypes(p.Args["types"])
					if err != nil {
						return nil, err
					}
					result := r.Cache.Match(value, types)
					out := map[string]interface{}{"excluded": result.Matched}
					if result.Matched {
						out["listId"] = result.ListID
						out["type"] = string(result.Type)
					}
					return out, nil
				},
			},
		},
	})

	listInputType := gql.NewInputObject(gql.InputObjectConfig{
		Name: "ExclusionListInput",
		Fields: gql.InputObjectConfigFieldMap{
			"name":        &gql.InputObjectFieldConfig{Type: gql.NewNonNull(gql.String)},
			"description": &gql.InputObjectFieldConfig{Type: gql.String},
			"entityTypes": &gql.InputObjectFieldConfig{Type: gql.NewNonNull(gql.NewList(gql.NewNonNull(gql.String)))},
			"enabled":     &gql.InputObjectFieldConfig{Type: gql.Boolean},
			"content":     &gql.InputObjectFieldConfig{Type: gql.NewNonNull(gql.String)},
		},
	})

	mutationType := gql.NewObject(gql.ObjectConfig{
		Name: "Mutation",
		Fields: gql.Fields{
			"exclusionListAdd": &gql.Field{
				Type: gql.NewNonNull(exclusionListType),
				Args: gql.FieldConfigArgument{
					"input": &gql.ArgumentConfig{Type: gql.NewNonNull(listInputType)},
				},
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					if err := requireAdmin(p.Context); err != nil {
						return nil, err
					}
					input, _ := p.Args["input"].(map[string]interface{})
					in := lists.Input{Enabled: true}
					in.Name, _ = input["name"].(string)
					in.Description, _ = input["description"].(string)
					in.Content, _ = input["content"].(string)
					in.EntityTypes = stringSlice(input["entityTypes"])
					if enabled, ok := input["enabled"].(bool); ok {
						in.Enabled = enabled
					}

					record, err := r.Lists.Create(p.Context, in)
					if err != nil {
						return nil, err
					}
					return buildExclusionList(record), nil
				},
			},
			"exclusionListFieldPatch": &gql.Field{
				Type: gql.NewNonNull(exclusionListType),
				Args: gql.FieldConfigArgument{
					"id":    &gql.ArgumentConfig{Type: gql.NewNonNull(gql.ID)},
					"field": &gql.ArgumentConfig{Type: gql.NewNonNull(gql.String)},
					"value": &gql.ArgumentConfig{Type: gql.NewNonNull(gql.String)},
				},
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					if err := requireAdmin(p.Context); err != nil {
						return nil, err
					}
					id, _ := p.Args["id"].(string)
					field, _ := p.Args["field"].(string)
					value, _ := p.Args["value"].(string)

					patch, err := fieldPatch(field, value)
					if err != nil {
						return nil, err
					}
					record, err := r.Lists.Update(p.Context, id, patch)
					if err != nil {
						return nil, err
					}
					return buildExclusionList(record), nil
				},
			},
			"exclusionListDelete": &gql.Field{
				Type: gql.NewNonNull(gql.ID),
				Args: gql.FieldConfigArgument{
					"id": &gql.ArgumentConfig{Type: gql.NewNonNull(gql.ID)},
				},
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					if err := requireAdmin(p.Context); err != nil {
						return nil, err
					}
					id, _ := p.Args["id"].(string)
					if err := r.Lists.Delete(p.Context, id); err != nil {
						return nil, err
					}
					return id, nil
				},
			},
		},
	})

	return gql.NewSchema(gql.SchemaConfig{
		Query:    queryType,
		Mutation: mutationType,
	})
}

// Execute runs a request against schema.
func Execute(ctx context.Context, schema gql.Schema, query string, variables map[string]interface{}) *gql.Result {
	return gql.Do(gql.Params{
		Schema:         schema,
		RequestString:  query,
		VariableValues: variables,
		Context:        ctx,
	})
}

func buildExclusionList(list domain.ExclusionList) map[string]interface{} {
	return map[string]interface{}{
		"id":          list.ID,
		"name":        list.Name,
		"description": list.Description,
		"enabled":     list.Enabled,
		"entityTypes": []string(list.EntityTypes),
		"valuesCount": list.ValuesCount,
		"contentSize": int(list.ContentSize),
		"contentHash": list.ContentHash,
		"createdAt":   list.CreatedAt,
		"updatedAt":   list.UpdatedAt,
		"record":      list,
	}
}

func buildCacheStatus(report exclusion.CacheReport) map[string]interface{} {
	out := map[string]interface{}{
		"refreshVersion":           float64(report.RefreshVersion),
		"cacheVersion":             float64(report.CacheVersion),
		"isCacheRebuildInProgress": report.InProgress,
		"localVersion":             float64(report.LocalVersion),
		"state":                    report.State,
		"leader":                   report.Leader,
		"lists":                    report.Lists,
		"failedLists":              report.FailedLists,
		"entries":                  report.Entries.Total(),
	}
	if report.BuiltAt != nil {
		out["builtAt"] = *report.BuiltAt
	}
	if report.LastError != "" {
		out["lastError"] = report.LastError
	}
	return out
}

// fieldPatch turns a single field edit into a lists.Patch.
func fieldPatch(field, value string) (lists.Patch, error) {
	var patch lists.Patch
	switch field {
	case "name":
		patch.Name = &value
	case "description":
		patch.Description = &value
	case "content":
		patch.Content = &value
	case "enabled":
		enabled := value == "true"
		if !enabled && value != "false" {
			return patch, fmt.Errorf("enabled must be true or false, got %q", value)
		}
		patch.Enabled = &enabled
	case "entityTypes":
		patch.EntityTypes = splitTypes(value)
	default:
		return patch, fmt.Errorf("field %q cannot be patched", field)
	}
	return patch, nil
}

func parseTypes(raw interface{}) ([]matcher.EntityType, error) {
	names := stringSlice(raw)
	if len(names) == 0 {
		return matcher.AllEntityTypes(), nil
	}
	types := make([]matcher.EntityType, 0, len(names))
	for _, name := range names {
		t, err := matcher.ParseEntityType(name)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

func splitTypes(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func stringSlice(raw interface{}) []string {
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
