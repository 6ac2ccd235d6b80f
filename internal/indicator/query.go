package indicator

// SelectionQuery builds the indicator-selection query: an indicator is
// eligible iff it has never been checked, or its last check is older
// than one scheduling interval. interval is passed
// through verbatim as the backend's relative-time expression
// ("now-<interval>").
func SelectionQuery(interval string) map[string]interface{} {
	return map[string]interface{}{
		"bool": map[string]interface{}{
			"minimum_should_match": 1,
			"should": []map[string]interface{}{
				{
					"range": map[string]interface{}{
						"threat.detection.timestamp": map[string]interface{}{
							"lte": "now-" + interval,
						},
					},
				},
				{
					"bool": map[string]interface{}{
						"must_not": []map[string]interface{}{
							{"exists": map[string]interface{}{"field": "threat.detection.timestamp"}},
						},
					},
				},
			},
		},
	}
}

// EventMatchQuery builds the per-indicator event-match query.
// sinceMillis is nil for an indicator never scanned before; when set it
// adds the "only events since last check" time floor.
func EventMatchQuery(predicates []Predicate, sinceMillis *int64) map[string]interface{} {
	should := make([]map[string]interface{}, 0, len(predicates))
	for _, p := range predicates {
		should = append(should, map[string]interface{}{
			"match": map[string]interface{}{p.Field: p.Value},
		})
	}

	boolQuery := map[string]interface{}{
		"minimum_should_match": 1,
		"should":               should,
	}

	if sinceMillis != nil {
		boolQuery["must"] = []map[string]interface{}{
			{
				"range": map[string]interface{}{
					"@timestamp": map[string]interface{}{
						"gte": *sinceMillis,
					},
				},
			},
		}
	}

	return map[string]interface{}{"bool": boolQuery}
}
