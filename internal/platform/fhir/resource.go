package fhir

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/goccy/go-json"
)

// Resources travel through the engine as generic JSON objects; numbers are
// kept as json.Number so a round trip never alters them.

var idPattern = regexp.MustCompile(`^[A-Za-z0-9\-\.]{1,64}$`)

// ValidID reports whether id satisfies the FHIR id datatype.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ResourceTypeOf returns the resourceType element of a resource.
func ResourceTypeOf(resource map[string]interface{}) string {
	rt, _ := resource["resourceType"].(string)
	return rt
}

// ResourceIDOf returns the id element of a resource.
func ResourceIDOf(resource map[string]interface{}) string {
	id, _ := resource["id"].(string)
	return id
}

// FormatReference builds a relative reference "Type/id".
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}

// DecodeResource parses one JSON object, preserving number literals.
func DecodeResource(data []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("decode resource: expected a JSON object")
	}
	return out, nil
}

// CloneResource returns a deep copy of resource so stores never share maps
// with callers.
func CloneResource(resource map[string]interface{}) map[string]interface{} {
	return deepCopyMap(resource)
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// canonicalJSON renders v with sorted object keys so two structurally equal
// resources produce equal bytes.
func canonicalJSON(v interface{}) ([]byte, error) {
	return json.MarshalWithOption(v, json.DisableHTMLEscape())
}

// contentEqual reports whether two resources carry the same content once the
// server-managed id, meta and text elements are set aside.
func contentEqual(a, b map[string]interface{}) bool {
	ca, errA := canonicalJSON(stripManaged(a))
	cb, errB := canonicalJSON(stripManaged(b))
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

func stripManaged(resource map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(resource))
	for k, v := range resource {
		switch k {
		case "id", "meta", "text":
			continue
		}
		out[k] = v
	}
	return out
}

// ---------------------------------------------------------------------------
// Resource types
// ---------------------------------------------------------------------------

var knownResourceTypes = func() map[string]bool {
	names := strings.Fields(`
		Account ActivityDefinition AdverseEvent AllergyIntolerance Appointment
		AppointmentResponse AuditEvent Basic Binary BiologicallyDerivedProduct
		BodyStructure Bundle CapabilityStatement CarePlan CareTeam CatalogEntry
		ChargeItem ChargeItemDefinition Claim ClaimResponse ClinicalImpression
		CodeSystem Communication CommunicationRequest CompartmentDefinition
		Composition ConceptMap Condition Consent Contract Coverage
		CoverageEligibilityRequest CoverageEligibilityResponse DetectedIssue
		Device DeviceDefinition DeviceMetric DeviceRequest DeviceUseStatement
		DiagnosticReport DocumentManifest DocumentReference EffectEvidenceSynthesis
		Encounter Endpoint EnrollmentRequest EnrollmentResponse EpisodeOfCare
		EventDefinition Evidence EvidenceVariable ExampleScenario
		ExplanationOfBenefit FamilyMemberHistory Flag Goal GraphDefinition Group
		GuidanceResponse HealthcareService ImagingStudy Immunization
		ImmunizationEvaluation ImmunizationRecommendation ImplementationGuide
		InsurancePlan Invoice Library Linkage List Location Measure MeasureReport
		Media Medication MedicationAdministration MedicationDispense
		MedicationKnowledge MedicationRequest MedicationStatement
		MedicinalProduct MedicinalProductAuthorization MedicinalProductContraindication
		MedicinalProductIndication MedicinalProductIngredient
		MedicinalProductInteraction MedicinalProductManufactured
		MedicinalProductPackaged MedicinalProductPharmaceutical
		MedicinalProductUndesirableEffect MessageDefinition MessageHeader
		MolecularSequence NamingSystem NutritionOrder Observation
		ObservationDefinition OperationDefinition OperationOutcome Organization
		OrganizationAffiliation Parameters Patient PaymentNotice
		PaymentReconciliation Person PlanDefinition Practitioner PractitionerRole
		Procedure Provenance Questionnaire QuestionnaireResponse RelatedPerson
		RequestGroup ResearchDefinition ResearchElementDefinition ResearchStudy
		ResearchSubject RiskAssessment RiskEvidenceSynthesis Schedule
		SearchParameter ServiceRequest Slot Specimen SpecimenDefinition
		StructureDefinition StructureMap Subscription Substance
		SubstanceNucleicAcid SubstancePolymer SubstanceProtein
		SubstanceReferenceInformation SubstanceSourceMaterial
		SubstanceSpecification SupplyDelivery SupplyRequest Task
		TerminologyCapabilities TestReport TestScript ValueSet
		VerificationResult VisionPrescription`)
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}()

// IsResourceType reports whether name is an R4 resource type.
func IsResourceType(name string) bool {
	return knownResourceTypes[name]
}

