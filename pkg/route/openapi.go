package route

import (
	"slices"
	"strings"

	"github.com/edgeflare/sqlgate/pkg/config"
	"github.com/edgeflare/sqlgate/pkg/params"
	"github.com/getkin/kin-openapi/openapi3"
)

// OpenAPI describes t as an OpenAPI 3 document.
func (t *Table) OpenAPI(title, version string) *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info:    &openapi3.Info{Title: title, Version: version},
		Paths:   openapi3.NewPaths(),
	}
	if t.basePath != "" {
		doc.Servers = openapi3.Servers{{URL: "/" + t.basePath}}
	}

	segPattern, _ := params.Compile(config.DefaultSegmentPattern)
	idx := segPattern.SubexpIndex(params.GroupName)

	for _, e := range t.endpoints {
		var (
			path  strings.Builder
			names []string
		)
		for _, s := range Segments(e.Path) {
			path.WriteByte('/')
			if m := segPattern.FindStringSubmatch(s); m != nil {
				names = append(names, m[idx])
				path.WriteString("{" + m[idx] + "}")
				continue
			}
			path.WriteString(s)
		}
		p := path.String()
		if p == "" {
			p = "/"
		}

		item := doc.Paths.Value(p)
		if item == nil {
			item = &openapi3.PathItem{}
			doc.Paths.Set(p, item)
		}
		for _, m := range e.Methods() {
			if item.GetOperation(m) != nil {
				continue // an earlier route answers this verb
			}
			item.SetOperation(m, operation(e, names))
		}
	}
	return doc
}

func operation(e *Endpoint, pathParams []string) *openapi3.Operation {
	op := openapi3.NewOperation()
	op.OperationID = e.Name
	op.Tags = []string{e.Kind().String()}

	for _, name := range pathParams {
		op.AddParameter(openapi3.NewPathParameter(name).WithSchema(openapi3.NewStringSchema()))
	}

	var desc string
	status := 200
	if e.Query != nil {
		status = e.Query.SuccessStatus
		desc = e.Query.Shape.String() + " result"
		if e.Query.CountTemplate != "" {
			desc += " with count envelope"
		}
		for _, name := range e.Query.Mandatory {
			if slices.Contains(pathParams, name) {
				continue
			}
			p := openapi3.NewQueryParameter(name).WithSchema(openapi3.NewStringSchema())
			p.Description = "mandatory; may also be sent as a header, JSON property or form field"
			op.AddParameter(p)
		}
	} else {
		desc = "proxied to " + e.Proxy.URL
	}

	op.Responses = openapi3.NewResponses(
		openapi3.WithStatus(status, &openapi3.ResponseRef{Value: openapi3.NewResponse().WithDescription(desc)}),
	)
	op.Responses.Set("default", &openapi3.ResponseRef{Value: openapi3.NewResponse().WithDescription("error envelope")})
	return op
}
