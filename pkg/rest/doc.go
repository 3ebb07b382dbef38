// Package rest serves configured SQL queries and proxied upstreams as REST
// endpoints.
//
// Every request outside the OpenAPI path lands on one catch-all route and is
// dispatched through the pipeline against the active route table:
//
//	resolve -> cors -> credentials -> authorize -> gateway -> mandatory -> upload -> query -> download
//
// Routes come from configuration and are rebuilt whenever it changes. A
// rebuilt table is published atomically, so a request sees either the old or
// the new table, never a mix.
//
// Parameters are addressed in query templates with per-source delimiters:
//
//	Delimiter         | Source
//	------------------|------------------------------------------------
//	{{name}}          | route segment, query string, form field or JSON property
//	{header{name}}    | request header
//	{auth{path}}      | claim of the introspected bearer token
//	{{json}}          | the raw JSON body
//	{{files}}         | descriptions of the files stored by an upload route
//
// When the same name appears in several sources sharing a delimiter, files
// win over JSON, JSON over form, form over query string and query string over
// route segments.
//
// Results render as an object for a single row and an array otherwise,
// unless the route fixes the shape. A count query wraps the result:
//
//	{"success": true, "count": 42, "data": [...]}
//
// Failures always use the envelope {"success": false, "message": "..."}.
package rest
