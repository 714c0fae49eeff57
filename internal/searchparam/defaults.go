package searchparam

// commonParameter is a built-in meta parameter template, written against
// the generic Resource/DomainResource base. Simplify rewrites its
// Expression to a concrete resource type before compilation.
type commonParameter struct {
	Code       string
	Type       Type
	Expression string
}

// commonParameters are the meta parameters every resource type carries
// regardless of its installed SearchParameter set (spec.md §4.6 step 1:
// "plus common meta params defined on Resource/DomainResource").
func commonParameters() []commonParameter {
	return []commonParameter{
		{Code: "_id", Type: TypeToken, Expression: "Resource.id"},
		{Code: "_lastUpdated", Type: TypeDate, Expression: "Resource.meta.lastUpdated"},
		{Code: "_tag", Type: TypeToken, Expression: "Resource.meta.tag"},
		{Code: "_profile", Type: TypeURI, Expression: "Resource.meta.profile"},
		{Code: "_security", Type: TypeToken, Expression: "Resource.meta.security"},
		{Code: "_source", Type: TypeURI, Expression: "Resource.meta.source"},
		{Code: "_text", Type: TypeSpecial, Expression: "DomainResource.text.div"},
	}
}
